// Package format merges per-page OCR output into one document and applies
// light-touch cleaning to the raw model text.
package format

import (
	"regexp"
	"sort"
	"strings"

	"github.com/pagelift/ocr-extraction-service/internal/types"
)

// Cleaning patterns:
//   - invisible unicode characters models sometimes echo back
//   - standalone image-filename lines OCR models emit for figures
//   - trailing spaces and runs of blank lines
var (
	zeroWidthChars     = regexp.MustCompile("[​-‍\uFEFF­⁠]")
	standaloneFileName = regexp.MustCompile(`(?mi)^[\w-]+\.(jpeg|jpg|png|gif|webp|svg|bmp|tiff?)[ \t]*$`)
	excessiveNewlines  = regexp.MustCompile(`\n{4,}`)
	trailingSpaces     = regexp.MustCompile(`(?m)[ \t]+$`)
)

// Clean normalizes raw OCR text.
func Clean(text string) string {
	if text == "" {
		return ""
	}
	text = zeroWidthChars.ReplaceAllString(text, "")
	text = standaloneFileName.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = trailingSpaces.ReplaceAllString(text, "")
	text = excessiveNewlines.ReplaceAllString(text, "\n\n\n")
	return strings.TrimSpace(text)
}

// Merge joins non-empty pages in ascending page order with a blank-line
// separator and reports which page numbers actually produced text.
func Merge(pages []types.PageResult) (text string, pagesOcred []int) {
	sorted := make([]types.PageResult, len(pages))
	copy(sorted, pages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PageNumber < sorted[j].PageNumber })

	var b strings.Builder
	pagesOcred = []int{}
	for _, p := range sorted {
		cleaned := Clean(p.Text)
		if cleaned == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(cleaned)
		pagesOcred = append(pagesOcred, p.PageNumber)
	}
	return b.String(), pagesOcred
}
