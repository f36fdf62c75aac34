// Package editing coordinates document editing: it resolves what an actor
// may actually do with a file, derives the document key shared with the
// document service, tracks who has a file open and applies the version
// policy when edits are saved.
package editing

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/fileutil"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/sharing"
)

// ErrFileTooLarge is returned for files above the editing size ceiling.
var ErrFileTooLarge = errors.New("file is too large to edit")

// Capabilities are the mutating actions of an editing session.
type Capabilities struct {
	Edit         bool `json:"edit"`
	Review       bool `json:"review"`
	FillForms    bool `json:"fill_forms"`
	Comment      bool `json:"comment"`
	ModifyFilter bool `json:"modify_filter"`
}

// AllCapabilities requests everything.
var AllCapabilities = Capabilities{Edit: true, Review: true, FillForms: true, Comment: true, ModifyFilter: true}

// Any reports whether at least one capability is granted.
func (c Capabilities) Any() bool {
	return c.Edit || c.Review || c.FillForms || c.Comment || c.ModifyFilter
}

// Within reports whether c grants nothing beyond o.
func (c Capabilities) Within(o Capabilities) bool {
	return (!c.Edit || o.Edit) && (!c.Review || o.Review) && (!c.FillForms || o.FillForms) &&
		(!c.Comment || o.Comment) && (!c.ModifyFilter || o.ModifyFilter)
}

// RightsInput is everything rights resolution looks at.
type RightsInput struct {
	Requested Capabilities
	// Link is the access of the share link the file was opened through,
	// AccessNone without one.
	Link    sharing.Access
	Visitor bool
	ACL     security.Rights

	Title     string
	Size      int64
	MaxSize   int64
	Root      entry.RootFolderType
	Encrypted bool

	// LockedByOther is set when someone else holds the file lock.
	LockedByOther bool
	// OthersEditing is set when another actor has the file open.
	OthersEditing bool
	// NoCoAuthoring forbids sharing the session with other editors.
	NoCoAuthoring bool
	// Strict turns downgrades caused by locks and other editors into
	// errors.
	Strict bool
}

// ResolveRights reduces the requested capabilities rule by rule. Rules only
// ever take capabilities away. Hard failures are returned as errors: a file
// in trash, an unreadable file, an oversized file, a format the document
// service cannot open, and lock or editing conflicts under Strict.
func ResolveRights(in RightsInput) (Capabilities, error) {
	c := in.Requested
	link := in.Link

	if in.Visitor && link == sharing.AccessRestrict {
		c = Capabilities{}
	}

	c.Edit = c.Edit && (link == sharing.AccessReadWrite || link == sharing.AccessCustomFilter || in.ACL.Edit || in.ACL.CustomFilter)
	c.ModifyFilter = c.ModifyFilter && (link == sharing.AccessReadWrite || in.ACL.Edit)
	c.Review = c.Review && (link == sharing.AccessReview || link == sharing.AccessReadWrite || in.ACL.Review)
	c.FillForms = c.FillForms && (link == sharing.AccessFillForms || link == sharing.AccessReview ||
		link == sharing.AccessReadWrite || in.ACL.FillForms)
	c.Comment = c.Comment && (link == sharing.AccessComment || link == sharing.AccessReview ||
		link == sharing.AccessReadWrite || in.ACL.Comment)

	if !c.Any() && !in.ACL.Read && !link.CanRead() {
		return Capabilities{}, fmt.Errorf("open %s: %w", in.Title, entry.ErrSecurityDenied)
	}
	if in.Root == entry.RootTrash {
		return Capabilities{}, fmt.Errorf("open %s: %w", in.Title, entry.ErrTrashViewForbidden)
	}
	if in.MaxSize > 0 && in.Size > in.MaxSize {
		return Capabilities{}, fmt.Errorf("open %s (%d bytes): %w", in.Title, in.Size, ErrFileTooLarge)
	}

	if c.Any() && in.LockedByOther {
		if in.Strict {
			return Capabilities{}, fmt.Errorf("edit %s: %w", in.Title, entry.ErrLockedByOther)
		}
		c = Capabilities{}
	}

	c.Edit = c.Edit && fileutil.CanWebEdit(in.Title)
	if in.Encrypted && in.Root != entry.RootPrivacy {
		c = Capabilities{}
	}
	if !c.Edit && !fileutil.CanWebView(in.Title) {
		return Capabilities{}, fmt.Errorf("open %s: %w", in.Title, entry.ErrUnsupportedFormat)
	}
	c.Review = c.Review && fileutil.CanWebReview(in.Title)
	c.FillForms = c.FillForms && fileutil.CanWebFillForms(in.Title)
	c.Comment = c.Comment && fileutil.CanWebComment(in.Title)
	c.ModifyFilter = c.ModifyFilter && fileutil.CanWebCustomFilter(in.Title)

	if c.Any() && in.OthersEditing && (in.NoCoAuthoring || !fileutil.CanCoAuthor(in.Title)) {
		if in.Strict {
			return Capabilities{}, fmt.Errorf("edit %s: %w", in.Title, entry.ErrAlreadyEditing)
		}
		c = Capabilities{}
	}
	return c, nil
}
