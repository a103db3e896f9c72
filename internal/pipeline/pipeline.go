// Package pipeline orchestrates one extraction request end to end:
// payload validation, PDF inspection and preslicing, engine selection, and
// result normalization. Any failure short-circuits into a fault.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pagelift/ocr-extraction-service/internal/azure"
	"github.com/pagelift/ocr-extraction-service/internal/config"
	"github.com/pagelift/ocr-extraction-service/internal/engine"
	"github.com/pagelift/ocr-extraction-service/internal/fault"
	"github.com/pagelift/ocr-extraction-service/internal/format"
	"github.com/pagelift/ocr-extraction-service/internal/payload"
	"github.com/pagelift/ocr-extraction-service/internal/pdfdoc"
	"github.com/pagelift/ocr-extraction-service/internal/raster"
	"github.com/pagelift/ocr-extraction-service/internal/types"
	"github.com/pagelift/ocr-extraction-service/internal/vision"
)

type cloudEngine interface {
	Process(ctx context.Context, doc []byte, contentType string) (azure.Result, error)
}

type visionEngine interface {
	OCRImage(ctx context.Context, img []byte, mime string, languages []string) (string, error)
	OCRPages(ctx context.Context, images [][]byte, languages []string) ([]types.PageResult, error)
}

type Processor struct {
	cfg    config.Config
	cloud  cloudEngine
	vision visionEngine
	log    *logrus.Logger

	// Seams for tests; production values set in New.
	pageCount func(data []byte) (int, error)
	preslice  func(data []byte, maxPages int) (pdfdoc.SliceResult, error)
	render    func(ctx context.Context, pdf []byte, pageCount, dpi int, maxOutputBytes int64) ([][]byte, error)
}

func New(cfg config.Config, log *logrus.Logger) *Processor {
	p := &Processor{
		cfg:       cfg,
		log:       log,
		pageCount: pdfdoc.PageCount,
		preslice:  pdfdoc.Preslice,
		render:    raster.RenderPages,
	}
	if cfg.AzureConfigured() {
		p.cloud = azure.New(cfg)
	}
	if cfg.VisionConfigured() {
		p.vision = vision.New(cfg)
	}
	return p
}

// Extract runs the full pipeline for one request.
func (p *Processor) Extract(ctx context.Context, req types.ExtractRequest) (types.ExtractResponse, error) {
	start := time.Now()

	if req.Mime == "" || req.DataBase64 == "" {
		return types.ExtractResponse{}, fault.New(fault.CodeMissingFields, 400, "mime and dataBase64 are required")
	}
	isImage := payload.IsImageMime(req.Mime)
	if !isImage && !payload.IsPDFMime(req.Mime) {
		return types.ExtractResponse{}, fault.Newf(fault.CodeUnsupportedMime, 415,
			"unsupported mime type %q", req.Mime)
	}

	data, err := payload.Decode(req.DataBase64, p.cfg.MaxDocumentBytes)
	if err != nil {
		return types.ExtractResponse{}, err
	}
	if isImage {
		if err := payload.CheckImageDimensions(data, p.cfg.MinImagePixels); err != nil {
			return types.ExtractResponse{}, err
		}
	}

	dec, err := engine.Select(isImage, engine.Availability{
		Azure:    p.cfg.AzureConfigured(),
		Vision:   p.cfg.VisionConfigured(),
		Preslice: p.cfg.PresliceEnabled,
	})
	if err != nil {
		return types.ExtractResponse{}, err
	}
	p.log.WithFields(logrus.Fields{
		"engine": dec.Engine.String(),
		"reason": dec.Reason,
		"mime":   req.Mime,
		"bytes":  len(data),
	}).Debug("engine selected")

	maxPages := req.MaxPages
	if maxPages <= 0 || maxPages > p.cfg.MaxPages {
		maxPages = p.cfg.MaxPages
	}

	var (
		pages    []types.PageResult
		attempts int
		pdfInfo  *types.PDFInfo
	)

	if isImage {
		text, err := p.vision.OCRImage(ctx, data, req.Mime, req.Languages)
		if err != nil {
			return types.ExtractResponse{}, err
		}
		pages = []types.PageResult{{PageNumber: 1, Text: text}}
	} else {
		total, err := p.pageCount(data)
		if err != nil {
			return types.ExtractResponse{}, err
		}
		if p.cfg.SoftPageLimit && !p.cfg.PresliceEnabled {
			if err := pdfdoc.CheckSoftLimit(total, maxPages); err != nil {
				return types.ExtractResponse{}, err
			}
		}

		switch dec.Engine {
		case engine.CloudRead:
			slice := pdfdoc.SliceResult{Bytes: data, OriginalPages: total, SubmittedPages: total}
			if p.cfg.PresliceEnabled {
				slice, err = p.preslice(data, maxPages)
				if err != nil {
					return types.ExtractResponse{}, err
				}
			}
			pdfInfo = &types.PDFInfo{
				OriginalPages:  slice.OriginalPages,
				SubmittedPages: slice.SubmittedPages,
				Presliced:      slice.WasSliced,
			}
			res, err := p.cloud.Process(ctx, slice.Bytes, "application/pdf")
			if err != nil {
				return types.ExtractResponse{}, err
			}
			pages = res.Pages
			attempts = res.Attempts

		case engine.Vision:
			budget := min(maxPages, p.cfg.PresliceMaxPages)
			slice, err := p.preslice(data, budget)
			if err != nil {
				return types.ExtractResponse{}, err
			}
			pdfInfo = &types.PDFInfo{
				OriginalPages:  slice.OriginalPages,
				SubmittedPages: slice.SubmittedPages,
				Presliced:      slice.WasSliced,
			}
			images, err := p.render(ctx, slice.Bytes, slice.SubmittedPages, p.cfg.PresliceDPI, p.cfg.PresliceMaxOutputBytes)
			if err != nil {
				return types.ExtractResponse{}, err
			}
			pages, err = p.vision.OCRPages(ctx, images, req.Languages)
			if err != nil {
				return types.ExtractResponse{}, err
			}
		}
	}

	text, pagesOcred := format.Merge(pages)
	return types.ExtractResponse{
		Text:       text,
		PagesOcred: pagesOcred,
		Meta: types.Meta{
			Engine:     dec.Engine.String(),
			DurationMs: time.Since(start).Milliseconds(),
			Source:     "ocr",
			Attempts:   attempts,
			PDF:        pdfInfo,
		},
	}, nil
}
