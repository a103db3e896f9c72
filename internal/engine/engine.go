// Package engine holds the OCR engine selection policy. Select is a pure
// function of the declared mime and the configured capabilities; it never
// touches the network and always returns the same decision for the same
// input.
package engine

import "github.com/pagelift/ocr-extraction-service/internal/fault"

// Kind identifies which backend serves a request.
type Kind int

const (
	NoEngine Kind = iota
	CloudRead
	Vision
)

func (k Kind) String() string {
	switch k {
	case CloudRead:
		return "azure-read"
	case Vision:
		return "openai-vision"
	default:
		return "none"
	}
}

// Availability is the configuration snapshot the selector decides on.
type Availability struct {
	Azure    bool
	Vision   bool
	Preslice bool
}

// Decision carries the selected engine plus a reason code used only for
// observability.
type Decision struct {
	Engine Kind
	Reason string
}

// Select routes a request to an engine. Rule order matters: with
// preslicing off, an available cloud engine wins over the vision fallback.
func Select(isImage bool, avail Availability) (Decision, error) {
	if isImage {
		if !avail.Vision {
			return Decision{}, fault.New(fault.CodeOpenAIMissing, 501,
				"image OCR requires the vision engine, which is not configured")
		}
		return Decision{Engine: Vision, Reason: "image"}, nil
	}

	switch {
	case avail.Preslice && avail.Vision:
		return Decision{Engine: Vision, Reason: "preslice enabled"}, nil
	case avail.Azure:
		return Decision{Engine: CloudRead, Reason: "azure available"}, nil
	case avail.Vision:
		return Decision{Engine: Vision, Reason: "fallback"}, nil
	default:
		return Decision{}, fault.New(fault.CodeNoOCREngine, 501, "no OCR engine is configured")
	}
}
