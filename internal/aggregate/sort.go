package aggregate

import (
	"sort"
	"strings"

	"github.com/fruitsalade/docspace/internal/entry"
)

// Sort orders entries in place. Folders come before files unless sorting
// by New. Equal keys fall back to the title, then to the entry key, so the
// result does not depend on input order.
func Sort(entries []entry.Entry, order entry.OrderBy) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if order.SortBy != entry.SortNew {
			af, bf := a.EntryType() == entry.TypeFolder, b.EntryType() == entry.TypeFolder
			if af != bf {
				return af
			}
		}
		c := compare(a, b, order.SortBy)
		if !order.Ascending {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		if c := strings.Compare(strings.ToLower(a.Info().Title), strings.ToLower(b.Info().Title)); c != 0 {
			return c < 0
		}
		return a.Key().String() < b.Key().String()
	})
}

func compare(a, b entry.Entry, by entry.SortBy) int {
	ai, bi := a.Info(), b.Info()
	switch by {
	case entry.SortAuthor:
		return strings.Compare(ai.ModifiedBy, bi.ModifiedBy)
	case entry.SortType:
		return strings.Compare(typeOf(a), typeOf(b))
	case entry.SortSize:
		return cmpInt64(sizeOf(a), sizeOf(b))
	case entry.SortAZ:
		return strings.Compare(strings.ToLower(ai.Title), strings.ToLower(bi.Title))
	case entry.SortDateAndTime:
		return ai.ModifiedOn.Compare(bi.ModifiedOn)
	case entry.SortDateAndTimeCreation:
		return ai.CreatedOn.Compare(bi.CreatedOn)
	case entry.SortNew:
		// Descending puts unread entries first, then the most recently
		// modified.
		if ai.IsNew != bi.IsNew {
			if ai.IsNew {
				return 1
			}
			return -1
		}
		return ai.ModifiedOn.Compare(bi.ModifiedOn)
	}
	return 0
}

func typeOf(e entry.Entry) string {
	if e.EntryType() == entry.TypeFolder {
		return ""
	}
	return entry.Ext(e.Info().Title)
}

// sizeOf is the content length of a file. Folders have no size.
func sizeOf(e entry.Entry) int64 {
	switch v := e.(type) {
	case *entry.File[int]:
		return v.ContentLength
	case *entry.File[string]:
		return v.ContentLength
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Paginate returns the window [offset, offset+count). A non-positive count
// means everything from offset.
func Paginate(entries []entry.Entry, offset, count int) []entry.Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return nil
	}
	end := len(entries)
	if count > 0 && offset+count < end {
		end = offset + count
	}
	return entries[offset:end]
}
