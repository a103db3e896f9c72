// Package pdfdoc inspects and preslices PDF documents. Inspection opens the
// document only far enough to count pages; preslicing rebuilds a document
// containing just the first N pages so that page budgets bound engine cost.
package pdfdoc

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/pagelift/ocr-extraction-service/internal/fault"
)

// SliceResult describes the outcome of a preslice pass.
type SliceResult struct {
	Bytes          []byte
	OriginalPages  int
	SubmittedPages int
	WasSliced      bool
}

func conf() *model.Configuration {
	c := model.NewDefaultConfiguration()
	c.ValidationMode = model.ValidationRelaxed
	return c
}

// PageCount returns the number of pages in the document. Encrypted or
// structurally invalid input fails explicitly rather than hanging.
func PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), conf())
	if err != nil {
		return 0, fault.New(fault.CodePDFInspectionFailed, 400, "could not inspect PDF").
			WithDetail("cause", err.Error())
	}
	if n <= 0 {
		return 0, fault.New(fault.CodePDFInspectionFailed, 400, "PDF reports no pages")
	}
	return n, nil
}

// CheckSoftLimit rejects documents whose page count exceeds the budget.
// Only called when the soft-limit policy is on and preslicing is off.
func CheckSoftLimit(pages, maxPages int) error {
	if pages <= maxPages {
		return nil
	}
	return fault.Newf(fault.CodePDFPageLimit, 400,
		"PDF has %d pages, limit is %d", pages, maxPages).
		WithDetail("pages", pages).
		WithDetail("maxPages", maxPages).
		WithDetail("hint", "split the document or raise maxPages")
}

// Preslice returns the original bytes untouched when the document fits the
// budget, otherwise a rebuilt document holding pages 1..maxPages in their
// original order.
func Preslice(data []byte, maxPages int) (SliceResult, error) {
	total, err := PageCount(data)
	if err != nil {
		return SliceResult{}, err
	}
	if maxPages <= 0 || total <= maxPages {
		return SliceResult{
			Bytes:          data,
			OriginalPages:  total,
			SubmittedPages: total,
			WasSliced:      false,
		}, nil
	}

	var buf bytes.Buffer
	sel := []string{fmt.Sprintf("1-%d", maxPages)}
	if err := api.Trim(bytes.NewReader(data), &buf, sel, conf()); err != nil {
		return SliceResult{}, fault.New(fault.CodePDFInspectionFailed, 400, "could not preslice PDF").
			WithDetail("cause", err.Error())
	}
	return SliceResult{
		Bytes:          buf.Bytes(),
		OriginalPages:  total,
		SubmittedPages: maxPages,
		WasSliced:      true,
	}, nil
}
