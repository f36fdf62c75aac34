package entry

import (
	"path"
	"strings"
	"time"
)

// RootFolderType names the top-level area an entry lives in.
type RootFolderType int

const (
	RootProviderMount RootFolderType = iota
	RootUser
	RootCommon
	RootShare
	RootRecent
	RootFavorites
	RootTemplates
	RootPrivacy
	RootTrash
	RootProjects
)

var rootNames = map[RootFolderType]string{
	RootProviderMount: "mount",
	RootUser:          "my",
	RootCommon:        "common",
	RootShare:         "share",
	RootRecent:        "recent",
	RootFavorites:     "favorites",
	RootTemplates:     "templates",
	RootPrivacy:       "privacy",
	RootTrash:         "trash",
	RootProjects:      "projects",
}

func (r RootFolderType) String() string {
	if s, ok := rootNames[r]; ok {
		return s
	}
	return "unknown"
}

// FolderType is the logical kind of a folder. Well-known roots carry their
// own kind; every other folder is Default, or Bunch when it belongs to a
// project.
type FolderType int

const (
	FolderDefault FolderType = iota
	FolderBunch
	FolderUser
	FolderCommon
	FolderShare
	FolderRecent
	FolderFavorites
	FolderTemplates
	FolderPrivacy
	FolderTrash
	FolderProjects
)

// RootType returns the root folder type of a well-known root kind.
func (t FolderType) RootType() (RootFolderType, bool) {
	switch t {
	case FolderUser:
		return RootUser, true
	case FolderCommon:
		return RootCommon, true
	case FolderShare:
		return RootShare, true
	case FolderRecent:
		return RootRecent, true
	case FolderFavorites:
		return RootFavorites, true
	case FolderTemplates:
		return RootTemplates, true
	case FolderPrivacy:
		return RootPrivacy, true
	case FolderTrash:
		return RootTrash, true
	case FolderProjects:
		return RootProjects, true
	}
	return RootProviderMount, false
}

// IsRoot reports whether t is a well-known root kind.
func (t FolderType) IsRoot() bool {
	_, ok := t.RootType()
	return ok
}

// ForcesaveType tells why a document was saved.
type ForcesaveType int

const (
	ForcesaveNone ForcesaveType = iota
	ForcesaveUser
	ForcesaveSystem
)

// Provider keys of the supported third-party backends.
const (
	ProviderGoogleDrive = "GoogleDrive"
	ProviderBox         = "Box"
	ProviderDropbox     = "DropboxV2"
	ProviderOneDrive    = "OneDrive"
	ProviderSharePoint  = "SharePoint"
	ProviderNextCloud   = "NextCloud"
	ProviderOwnCloud    = "OwnCloud"
	ProviderWebDav      = "WebDav"
	ProviderKDrive      = "kDrive"
	ProviderYandex      = "Yandex"
)

// ProviderKeys lists every accepted provider key.
var ProviderKeys = []string{
	ProviderGoogleDrive, ProviderBox, ProviderDropbox, ProviderOneDrive, ProviderSharePoint,
	ProviderNextCloud, ProviderOwnCloud, ProviderWebDav, ProviderKDrive, ProviderYandex,
}

// IsProviderKey reports whether key is a known provider key.
func IsProviderKey(key string) bool {
	for _, k := range ProviderKeys {
		if k == key {
			return true
		}
	}
	return false
}

// EntryInfo holds the fields common to files and folders.
type EntryInfo struct {
	Title          string
	CreatedBy      string
	CreatedOn      time.Time
	ModifiedBy     string
	ModifiedOn     time.Time
	RootFolderType RootFolderType
	// RootCreatedBy is the owner of the root the entry lives in.
	RootCreatedBy string
	ProviderKey   string
	Shared        bool

	IsNew      bool
	IsFavorite bool
	IsTemplate bool
	Locked     bool
	LockedBy   string
	Editing    bool
}

// Info returns the common fields.
func (e *EntryInfo) Info() *EntryInfo { return e }

// IsThirdParty reports whether the entry lives on a mounted provider.
func (e *EntryInfo) IsThirdParty() bool { return e.ProviderKey != "" }

// Entry is a file or a folder of either id type.
type Entry interface {
	Info() *EntryInfo
	EntryType() EntryType
	Key() Key
}

// Folder is a folder keyed by T.
type Folder[T ID] struct {
	EntryInfo
	ID         T
	ParentID   T
	FolderType FolderType
	// Derived at read time.
	TotalFiles      int
	TotalSubFolders int
	// ProviderID is the mount registration a third-party folder belongs to.
	ProviderID int
}

func (f *Folder[T]) EntryType() EntryType { return TypeFolder }
func (f *Folder[T]) Key() Key             { return FolderKey(f.ID) }

// File is a file keyed by T.
type File[T ID] struct {
	EntryInfo
	ID            T
	FolderID      T
	Version       int
	VersionGroup  int
	ContentLength int64
	ConvertedType string
	Encrypted     bool
	Forcesave     ForcesaveType
	Comment       string
}

func (f *File[T]) EntryType() EntryType { return TypeFile }
func (f *File[T]) Key() Key             { return FileKey(f.ID) }

// Ext returns the lower-cased extension of the file title, including the dot.
func (f *File[T]) Ext() string { return Ext(f.Title) }

// Ext returns the lower-cased extension of title, including the dot.
func Ext(title string) string {
	return strings.ToLower(path.Ext(title))
}

// Files returns the files of entries with id type T.
func Files[T ID](entries []Entry) []*File[T] {
	var out []*File[T]
	for _, e := range entries {
		if f, ok := e.(*File[T]); ok {
			out = append(out, f)
		}
	}
	return out
}

// Folders returns the folders of entries with id type T.
func Folders[T ID](entries []Entry) []*Folder[T] {
	var out []*Folder[T]
	for _, e := range entries {
		if f, ok := e.(*Folder[T]); ok {
			out = append(out, f)
		}
	}
	return out
}

// Append converts typed slices into entries.
func Append[E Entry](dst []Entry, src ...E) []Entry {
	for _, e := range src {
		dst = append(dst, e)
	}
	return dst
}
