package editing

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/fruitsalade/docspace/internal/entry"
)

// docKeyLen is the longest key the document service accepts.
const docKeyLen = 20

// DocKey derives the document key of one file version. Equal inputs always
// give the same key.
func DocKey(id string, version int, stamp time.Time, secret string) string {
	raw := fmt.Sprintf("teamlab_%s_%d_%d_%s", id, version, stamp.UTC().Unix(), secret)
	sum := sha256.Sum256([]byte(raw))
	return revisionID(base64.StdEncoding.EncodeToString(sum[:]))
}

// FileDocKey is DocKey for f. Local files are stamped with the creation
// time of their version, provider files with their modification time.
func FileDocKey[T entry.ID](f *entry.File[T], secret string) string {
	stamp := f.CreatedOn
	if f.IsThirdParty() {
		stamp = f.ModifiedOn
	}
	return DocKey(entry.FormatID(f.ID), f.Version, stamp, secret)
}

// revisionID maps s onto the characters the document service allows and
// cuts it to docKeyLen.
func revisionID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '.', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() == docKeyLen {
			break
		}
	}
	return b.String()
}
