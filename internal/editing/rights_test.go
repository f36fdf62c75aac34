package editing

import (
	"errors"
	"testing"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/sharing"
)

var fullACL = security.Rights{Read: true, Edit: true, Delete: true, Review: true, Comment: true, FillForms: true, CustomFilter: true}

func TestResolveRights(t *testing.T) {
	tests := []struct {
		name    string
		in      RightsInput
		want    Capabilities
		wantErr error
	}{
		{
			name: "owner of a docx",
			in:   RightsInput{Requested: AllCapabilities, ACL: fullACL, Title: "a.docx", Root: entry.RootUser},
			want: Capabilities{Edit: true, Review: true, FillForms: true, Comment: true},
		},
		{
			name: "read-write link without acl",
			in:   RightsInput{Requested: Capabilities{Edit: true}, Link: sharing.AccessReadWrite, Title: "a.docx"},
			want: Capabilities{Edit: true},
		},
		{
			name: "visitor behind restricted link",
			in: RightsInput{Requested: AllCapabilities, Link: sharing.AccessRestrict, Visitor: true,
				ACL: security.Rights{Read: true, Comment: true}, Title: "a.docx"},
			want: Capabilities{},
		},
		{
			name:    "no access at all",
			in:      RightsInput{Requested: AllCapabilities, Title: "a.docx"},
			wantErr: entry.ErrSecurityDenied,
		},
		{
			name:    "file in trash",
			in:      RightsInput{Requested: AllCapabilities, ACL: fullACL, Title: "a.docx", Root: entry.RootTrash},
			wantErr: entry.ErrTrashViewForbidden,
		},
		{
			name:    "over the size ceiling",
			in:      RightsInput{Requested: AllCapabilities, ACL: fullACL, Title: "a.docx", Size: 11, MaxSize: 10},
			wantErr: ErrFileTooLarge,
		},
		{
			name:    "locked by another actor, strict",
			in:      RightsInput{Requested: AllCapabilities, ACL: fullACL, Title: "a.docx", LockedByOther: true, Strict: true},
			wantErr: entry.ErrLockedByOther,
		},
		{
			name: "locked by another actor",
			in:   RightsInput{Requested: AllCapabilities, ACL: fullACL, Title: "a.docx", LockedByOther: true},
			want: Capabilities{},
		},
		{
			name: "encrypted outside privacy",
			in:   RightsInput{Requested: AllCapabilities, ACL: fullACL, Title: "a.docx", Encrypted: true, Root: entry.RootUser},
			want: Capabilities{},
		},
		{
			name: "encrypted inside privacy",
			in:   RightsInput{Requested: Capabilities{Edit: true}, ACL: fullACL, Title: "a.docx", Encrypted: true, Root: entry.RootPrivacy},
			want: Capabilities{Edit: true},
		},
		{
			name:    "format the document service cannot open",
			in:      RightsInput{Requested: AllCapabilities, ACL: fullACL, Title: "a.zip"},
			wantErr: entry.ErrUnsupportedFormat,
		},
		{
			name: "viewable but not editable",
			in:   RightsInput{Requested: AllCapabilities, ACL: fullACL, Title: "a.pdf"},
			want: Capabilities{},
		},
		{
			name:    "no co-authoring for text, strict",
			in:      RightsInput{Requested: AllCapabilities, ACL: fullACL, Title: "notes.txt", OthersEditing: true, Strict: true},
			wantErr: entry.ErrAlreadyEditing,
		},
		{
			name: "co-authoring docx",
			in:   RightsInput{Requested: Capabilities{Edit: true}, ACL: fullACL, Title: "a.docx", OthersEditing: true},
			want: Capabilities{Edit: true},
		},
		{
			name:    "co-authoring disallowed for the session",
			in:      RightsInput{Requested: Capabilities{Edit: true}, ACL: fullACL, Title: "a.docx", OthersEditing: true, NoCoAuthoring: true, Strict: true},
			wantErr: entry.ErrAlreadyEditing,
		},
		{
			name: "custom filter on a spreadsheet",
			in:   RightsInput{Requested: AllCapabilities, ACL: security.Rights{Read: true, CustomFilter: true}, Title: "a.xlsx"},
			want: Capabilities{Edit: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveRights(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveRightsNeverAddsCapabilities(t *testing.T) {
	links := []sharing.Access{
		sharing.AccessNone, sharing.AccessReadWrite, sharing.AccessRead, sharing.AccessRestrict,
		sharing.AccessReview, sharing.AccessComment, sharing.AccessFillForms, sharing.AccessCustomFilter,
	}
	acls := []security.Rights{{}, {Read: true}, {Read: true, Comment: true}, fullACL}
	titles := []string{"a.docx", "a.xlsx", "notes.txt", "a.pdf", "a.oform"}
	roots := []entry.RootFolderType{entry.RootUser, entry.RootPrivacy}

	checked := 0
	for mask := 0; mask < 32; mask++ {
		req := Capabilities{
			Edit:         mask&1 != 0,
			Review:       mask&2 != 0,
			FillForms:    mask&4 != 0,
			Comment:      mask&8 != 0,
			ModifyFilter: mask&16 != 0,
		}
		for _, link := range links {
			for _, acl := range acls {
				for _, title := range titles {
					for _, root := range roots {
						for flags := 0; flags < 16; flags++ {
							in := RightsInput{
								Requested:     req,
								Link:          link,
								ACL:           acl,
								Title:         title,
								Root:          root,
								Visitor:       flags&1 != 0,
								LockedByOther: flags&2 != 0,
								OthersEditing: flags&4 != 0,
								Encrypted:     flags&8 != 0,
							}
							got, err := ResolveRights(in)
							if err != nil {
								continue
							}
							checked++
							if !got.Within(req) {
								t.Fatalf("ResolveRights(%+v) = %+v, exceeds request", in, got)
							}
						}
					}
				}
			}
		}
	}
	if checked == 0 {
		t.Fatal("no combination resolved without error")
	}
}
