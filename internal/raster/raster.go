// Package raster renders PDF pages to JPEG images for vision-model
// consumption. Rendering shells out to poppler's pdftoppm one page at a
// time, and the cumulative output size is checked after every page so a
// pathological document cannot balloon memory before a final check.
package raster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pagelift/ocr-extraction-service/internal/fault"
)

const renderer = "pdftoppm"

// Swapped in tests to avoid a hard poppler dependency.
var (
	renderPageFn      = renderSinglePage
	rendererAvailable = Available
)

// Available reports whether the rendering backend is installed.
func Available() bool {
	_, err := exec.LookPath(renderer)
	return err == nil
}

// RenderPages rasterizes pages 1..pageCount of the (already presliced)
// document at the given DPI. The returned slice is ordered by page number.
func RenderPages(ctx context.Context, pdf []byte, pageCount, dpi int, maxOutputBytes int64) ([][]byte, error) {
	if !rendererAvailable() {
		return nil, fault.New(fault.CodePresliceMissingDep, 501,
			"page rendering is unavailable: "+renderer+" is not installed")
	}
	if dpi <= 0 {
		dpi = 144
	}

	workDir, err := os.MkdirTemp("", "ocrsvc-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	pdfPath := filepath.Join(workDir, "doc.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	pages := make([][]byte, 0, pageCount)
	var total int64
	for page := 1; page <= pageCount; page++ {
		img, err := renderPageFn(ctx, pdfPath, workDir, page, dpi)
		if err != nil {
			return nil, err
		}
		total += int64(len(img))
		if total > maxOutputBytes {
			return nil, fault.Newf(fault.CodePresliceOutputTooBig, 413,
				"rendered output exceeded %d bytes at page %d", maxOutputBytes, page).
				WithDetail("maxOutputBytes", maxOutputBytes).
				WithDetail("page", page)
		}
		pages = append(pages, img)
	}
	return pages, nil
}

func renderSinglePage(ctx context.Context, pdfPath, workDir string, page, dpi int) ([]byte, error) {
	prefix := filepath.Join(workDir, "page")
	cmd := exec.CommandContext(ctx, renderer,
		"-jpeg",
		"-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		pdfPath,
		prefix,
	)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.Newf(fault.CodePDFInspectionFailed, 400,
			"could not render page %d", page).WithDetail("cause", err.Error())
	}

	path, err := findRenderedImage(prefix, page)
	if err != nil {
		return nil, err
	}
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rendered page %d: %w", page, err)
	}
	_ = os.Remove(path)
	return img, nil
}

// pdftoppm zero-pads the page suffix to the width of the last page number,
// so probe the common widths before falling back to a glob.
func findRenderedImage(prefix string, page int) (string, error) {
	for width := 1; width <= 6; width++ {
		candidate := fmt.Sprintf("%s-%0*d.jpg", prefix, width, page)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	matches, err := filepath.Glob(prefix + "-*.jpg")
	if err != nil {
		return "", err
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	return "", fmt.Errorf("rendered image not found for page %d", page)
}
