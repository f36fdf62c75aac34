// Package entry defines the logical file and folder model shared by every
// storage adapter.
//
// Entries are generic over their id type. Local entries are keyed by int,
// entries that live on a mounted third-party provider are keyed by an opaque
// string. The two id spaces never mix: code that has to hold ids of both
// kinds uses Ref, and code that crosses from one adapter to the other goes
// through FormatID and ParseID.
package entry

import (
	"fmt"
	"strconv"
)

// ID is the set of id types an adapter may use.
type ID interface {
	int | string
}

// FormatID renders an id as a string.
func FormatID[T ID](id T) string {
	switch v := any(id).(type) {
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	}
	panic("unreachable")
}

// ParseID converts a string produced by FormatID back into an id of type T.
func ParseID[T ID](s string) (T, error) {
	var zero T
	switch any(zero).(type) {
	case int:
		n, err := strconv.Atoi(s)
		if err != nil {
			return zero, fmt.Errorf("parse local id %q: %w", s, err)
		}
		return any(n).(T), nil
	case string:
		if s == "" {
			return zero, fmt.Errorf("parse remote id: empty")
		}
		return any(s).(T), nil
	}
	return zero, fmt.Errorf("unsupported id type %T", zero)
}

// IsZero reports whether id is the zero value of its type.
func IsZero[T ID](id T) bool {
	var zero T
	return id == zero
}

// Ref is an id of either kind. The zero Ref is invalid.
type Ref struct {
	local  int
	remote string
	kind   refKind
}

type refKind uint8

const (
	refNone refKind = iota
	refLocal
	refRemote
)

// LocalRef wraps a local id.
func LocalRef(id int) Ref { return Ref{local: id, kind: refLocal} }

// RemoteRef wraps a third-party id.
func RemoteRef(id string) Ref { return Ref{remote: id, kind: refRemote} }

// RefOf wraps an id of either type.
func RefOf[T ID](id T) Ref {
	switch v := any(id).(type) {
	case int:
		return LocalRef(v)
	case string:
		return RemoteRef(v)
	}
	panic("unreachable")
}

// ParseRef parses an id received from outside the process. Third-party ids
// always begin with their provider key, so anything that parses as a decimal
// integer is local.
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, fmt.Errorf("empty entry id")
	}
	if n, err := strconv.Atoi(s); err == nil {
		return LocalRef(n), nil
	}
	return RemoteRef(s), nil
}

// Local returns the local id and true if r is local.
func (r Ref) Local() (int, bool) { return r.local, r.kind == refLocal }

// Remote returns the third-party id and true if r is remote.
func (r Ref) Remote() (string, bool) { return r.remote, r.kind == refRemote }

// Valid reports whether r holds an id.
func (r Ref) Valid() bool { return r.kind != refNone }

func (r Ref) String() string {
	switch r.kind {
	case refLocal:
		return strconv.Itoa(r.local)
	case refRemote:
		return r.remote
	}
	return ""
}

// SplitRefs partitions refs by id type, preserving order within each kind.
// Invalid refs are dropped.
func SplitRefs(refs []Ref) (local []int, remote []string) {
	for _, r := range refs {
		switch r.kind {
		case refLocal:
			local = append(local, r.local)
		case refRemote:
			remote = append(remote, r.remote)
		}
	}
	return local, remote
}

// EntryType distinguishes files from folders.
type EntryType uint8

const (
	TypeFolder EntryType = iota + 1
	TypeFile
)

func (t EntryType) String() string {
	switch t {
	case TypeFolder:
		return "folder"
	case TypeFile:
		return "file"
	}
	return "unknown"
}

// Key identifies an entry across adapters. Tags, ACL records and locks are
// stored against keys.
type Key struct {
	Type EntryType
	ID   string
}

// FileKey builds the key of a file.
func FileKey[T ID](id T) Key { return Key{Type: TypeFile, ID: FormatID(id)} }

// FolderKey builds the key of a folder.
func FolderKey[T ID](id T) Key { return Key{Type: TypeFolder, ID: FormatID(id)} }

// Ref returns the id held by the key.
func (k Key) Ref() Ref {
	r, _ := ParseRef(k.ID)
	return r
}

func (k Key) String() string { return k.Type.String() + ":" + k.ID }

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	for _, t := range []EntryType{TypeFolder, TypeFile} {
		prefix := t.String() + ":"
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return Key{Type: t, ID: s[len(prefix):]}, nil
		}
	}
	return Key{}, fmt.Errorf("invalid entry key %q", s)
}
