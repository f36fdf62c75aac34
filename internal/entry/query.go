package entry

// FilterType restricts which entries a listing returns.
type FilterType int

const (
	FilterNone FilterType = iota
	FilterFoldersOnly
	FilterFilesOnly
	FilterDocumentsOnly
	FilterPresentationsOnly
	FilterSpreadsheetsOnly
	FilterImagesOnly
	FilterMediaOnly
	FilterArchiveOnly
	FilterByExtension
	FilterByUser
)

// ExcludesFolders reports whether a filter only ever matches files.
func (f FilterType) ExcludesFolders() bool {
	switch f {
	case FilterFilesOnly, FilterDocumentsOnly, FilterPresentationsOnly, FilterSpreadsheetsOnly,
		FilterImagesOnly, FilterMediaOnly, FilterArchiveOnly, FilterByExtension:
		return true
	}
	return false
}

// ExcludesFiles reports whether a filter only ever matches folders.
func (f FilterType) ExcludesFiles() bool { return f == FilterFoldersOnly }

// SortBy is the sort key of a listing.
type SortBy int

const (
	SortAZ SortBy = iota
	SortAuthor
	SortType
	SortSize
	SortDateAndTime
	SortDateAndTimeCreation
	SortNew
)

// OrderBy is a sort key with a direction.
type OrderBy struct {
	SortBy    SortBy
	Ascending bool
}

// DefaultOrder lists newest modifications first.
var DefaultOrder = OrderBy{SortBy: SortDateAndTime}
