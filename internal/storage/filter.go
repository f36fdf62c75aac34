package storage

import (
	"strings"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/fileutil"
)

// MatchTitle reports whether title contains search, ignoring case.
func MatchTitle(title, search string) bool {
	search = strings.TrimSpace(search)
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(title), strings.ToLower(search))
}

// MatchEntry applies a Query's filter, subject and search to one entry.
func MatchEntry(e entry.Entry, q Query) bool {
	info := e.Info()
	isFolder := e.EntryType() == entry.TypeFolder

	if isFolder && q.Filter.ExcludesFolders() {
		return false
	}
	if !isFolder && q.Filter.ExcludesFiles() {
		return false
	}
	if q.Filter == entry.FilterByUser && q.Subject != "" && info.CreatedBy != q.Subject {
		return false
	}
	if !isFolder && !fileutil.Matches(q.Filter, info.Title, q.Search) {
		return false
	}
	if q.Filter == entry.FilterByExtension {
		return true
	}
	return MatchTitle(info.Title, q.Search)
}

// FilterFolders keeps the folders matching q.
func FilterFolders[T entry.ID](folders []*entry.Folder[T], q Query) []*entry.Folder[T] {
	if q.Filter.ExcludesFolders() {
		return nil
	}
	out := folders[:0:0]
	for _, f := range folders {
		if MatchEntry(f, q) {
			out = append(out, f)
		}
	}
	return out
}

// FilterFiles keeps the files matching q.
func FilterFiles[T entry.ID](files []*entry.File[T], q Query) []*entry.File[T] {
	if q.Filter.ExcludesFiles() {
		return nil
	}
	out := files[:0:0]
	for _, f := range files {
		if MatchEntry(f, q) {
			out = append(out, f)
		}
	}
	return out
}

// FilterEntries keeps the entries matching q.
func FilterEntries(entries []entry.Entry, q Query) []entry.Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if MatchEntry(e, q) {
			out = append(out, e)
		}
	}
	return out
}
