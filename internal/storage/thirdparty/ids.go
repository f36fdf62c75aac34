package thirdparty

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fruitsalade/docspace/internal/entry"
)

// MakeID builds the entry id of p inside mount providerID. The mount root
// is "<key>-<id>", everything below it "<key>-<id>-<path>".
func MakeID(providerKey string, providerID int, p string) string {
	id := providerKey + "-" + strconv.Itoa(providerID)
	if p = CleanPath(p); p != "" {
		id += "-" + p
	}
	return id
}

// ParsedID is a decoded third-party id.
type ParsedID struct {
	ProviderKey string
	ProviderID  int
	Path        string
}

// IsRoot reports whether the id addresses the mount root.
func (p ParsedID) IsRoot() bool { return p.Path == "" }

// ParseID decodes a third-party id.
func ParseID(id string) (ParsedID, error) {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) < 2 || !entry.IsProviderKey(parts[0]) {
		return ParsedID{}, fmt.Errorf("invalid third-party id %q: %w", id, entry.ErrNotFound)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil || pid <= 0 {
		return ParsedID{}, fmt.Errorf("invalid third-party id %q: %w", id, entry.ErrNotFound)
	}
	out := ParsedID{ProviderKey: parts[0], ProviderID: pid}
	if len(parts) == 3 {
		out.Path = CleanPath(parts[2])
	}
	return out, nil
}
