// Package fileutil classifies files by extension: which filter type they
// belong to and what the document service can do with them.
package fileutil

import (
	"strings"

	"github.com/fruitsalade/docspace/internal/entry"
)

func set(exts ...string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}

var (
	documentExts = set(".doc", ".docx", ".docm", ".dot", ".dotx", ".dotm", ".odt", ".ott", ".fodt",
		".rtf", ".txt", ".html", ".htm", ".mht", ".pdf", ".djvu", ".fb2", ".epub", ".xps",
		".docxf", ".oform")
	spreadsheetExts  = set(".xls", ".xlsx", ".xlsm", ".xlt", ".xltx", ".xltm", ".ods", ".ots", ".fods", ".csv")
	presentationExts = set(".ppt", ".pptx", ".pptm", ".pps", ".ppsx", ".ppsm", ".pot", ".potx", ".potm",
		".odp", ".otp", ".fodp")
	imageExts   = set(".bmp", ".gif", ".jpeg", ".jpg", ".png", ".svg", ".tif", ".tiff", ".webp", ".ico", ".heic")
	mediaExts   = set(".mp3", ".ogg", ".wav", ".flac", ".m4a", ".aac", ".mp4", ".webm", ".mov", ".avi", ".mkv", ".m4v")
	archiveExts = set(".zip", ".rar", ".7z", ".tar", ".gz", ".tgz", ".bz2", ".xz")

	webViewed = set(".doc", ".docx", ".docm", ".dot", ".dotx", ".dotm", ".odt", ".ott", ".fodt", ".rtf",
		".txt", ".html", ".htm", ".mht", ".pdf", ".djvu", ".fb2", ".epub", ".xps", ".docxf", ".oform",
		".xls", ".xlsx", ".xlsm", ".xlt", ".xltx", ".xltm", ".ods", ".ots", ".fods", ".csv",
		".ppt", ".pptx", ".pptm", ".pps", ".ppsx", ".ppsm", ".pot", ".potx", ".potm", ".odp", ".otp", ".fodp")
	webEdited     = set(".docx", ".xlsx", ".pptx", ".docxf", ".txt", ".csv")
	webReviewed   = set(".docx")
	webCommented  = set(".docx", ".xlsx", ".pptx")
	webFillForms  = set(".oform", ".docx")
	webCustomFilt = set(".xlsx")
	coAuthoring   = set(".docx", ".xlsx", ".pptx", ".docxf")
)

// CanWebView reports whether the document service can open title at all.
func CanWebView(title string) bool { return webViewed[entry.Ext(title)] }

// CanWebEdit reports whether title can be edited in the browser.
func CanWebEdit(title string) bool { return webEdited[entry.Ext(title)] }

// CanWebReview reports whether title supports track-changes review.
func CanWebReview(title string) bool { return webReviewed[entry.Ext(title)] }

// CanWebComment reports whether title supports comments.
func CanWebComment(title string) bool { return webCommented[entry.Ext(title)] }

// CanWebFillForms reports whether title supports restricted form filling.
func CanWebFillForms(title string) bool { return webFillForms[entry.Ext(title)] }

// CanWebCustomFilter reports whether title supports custom-filter editing.
func CanWebCustomFilter(title string) bool { return webCustomFilt[entry.Ext(title)] }

// CanCoAuthor reports whether several users may edit title at once.
func CanCoAuthor(title string) bool { return coAuthoring[entry.Ext(title)] }

// Matches reports whether a file titled title passes filter. search is
// only consulted by FilterByExtension, where it holds the wanted extension.
func Matches(filter entry.FilterType, title, search string) bool {
	ext := entry.Ext(title)
	switch filter {
	case entry.FilterDocumentsOnly:
		return documentExts[ext]
	case entry.FilterSpreadsheetsOnly:
		return spreadsheetExts[ext]
	case entry.FilterPresentationsOnly:
		return presentationExts[ext]
	case entry.FilterImagesOnly:
		return imageExts[ext]
	case entry.FilterMediaOnly:
		return mediaExts[ext]
	case entry.FilterArchiveOnly:
		return archiveExts[ext]
	case entry.FilterByExtension:
		want := strings.ToLower(strings.TrimSpace(search))
		if want == "" {
			return true
		}
		if !strings.HasPrefix(want, ".") {
			want = "." + want
		}
		return ext == want
	case entry.FilterFoldersOnly:
		return false
	}
	return true
}
