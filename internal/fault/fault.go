// Package fault defines the service's error taxonomy. Every failure that
// reaches a client is a Fault carrying a stable machine-readable code, an
// HTTP status, a human message, and an optional sanitized detail payload.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

type Code string

const (
	CodeMissingFields         Code = "missing_fields"
	CodeInvalidBase64         Code = "invalid_base64"
	CodePayloadTooLarge       Code = "payload_too_large"
	CodeImageTooSmall         Code = "image_too_small"
	CodeImageInspectionFailed Code = "image_inspection_failed"
	CodePDFInspectionFailed   Code = "pdf_inspection_failed"
	CodePDFPageLimit          Code = "pdf_page_limit"
	CodeInvalidSignature      Code = "invalid_signature"
	CodeUnsupportedMime       Code = "unsupported_mime"
	CodeOpenAIMissing         Code = "openai_missing"
	CodePresliceMissingDep    Code = "preslice_missing_dep"
	CodeNoOCREngine           Code = "no_ocr_engine"
	CodePresliceOutputTooBig  Code = "preslice_output_too_large"
	CodeAzureFailed           Code = "azure_failed"
	CodeAzureTimeout          Code = "azure_timeout"
	CodeUpstreamTimeout       Code = "upstream_timeout"
	CodeInternal              Code = "internal_error"

	// Middleware-level codes for the supplementary surfaces.
	CodeMethodNotAllowed Code = "method_not_allowed"
	CodeRateLimit        Code = "rate_limit"
	CodeCapacity         Code = "capacity"
	CodeOCRCapacity      Code = "ocr_capacity"
	CodeUnauthorized     Code = "unauthorized"
)

// maxDetailElems bounds any array embedded in a Fault detail.
const maxDetailElems = 20

type Fault struct {
	Code       Code           `json:"code"`
	HTTPStatus int            `json:"httpStatus"`
	Message    string         `json:"message"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s (%d): %s", f.Code, f.HTTPStatus, f.Message)
}

func New(code Code, status int, message string) *Fault {
	return &Fault{Code: code, HTTPStatus: status, Message: message}
}

func Newf(code Code, status int, format string, args ...any) *Fault {
	return New(code, status, fmt.Sprintf(format, args...))
}

// WithDetail attaches a sanitized key to the detail payload and returns the
// same Fault for chaining.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.Detail == nil {
		f.Detail = map[string]any{}
	}
	f.Detail[key] = Sanitize(value)
	return f
}

// From classifies an arbitrary error into a Fault. Existing Faults pass
// through unchanged; anything else becomes internal_error/500.
func From(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return New(CodeInternal, 500, "internal error").WithDetail("cause", err.Error())
}

// Sanitize makes an arbitrary value safe to embed in an error response:
// byte buffers become a length-only placeholder, long arrays are truncated
// with a trailing sentinel, and anything that cannot be marshalled is
// replaced by its string form. The result always serializes.
func Sanitize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(t))
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return t
	case error:
		return t.Error()
	case []any:
		out := make([]any, 0, min(len(t), maxDetailElems)+1)
		for i, e := range t {
			if i >= maxDetailElems {
				out = append(out, fmt.Sprintf("... %d more", len(t)-maxDetailElems))
				break
			}
			out = append(out, Sanitize(e))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Sanitize(e)
		}
		return out
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			out := make([]any, 0, min(rv.Len(), maxDetailElems)+1)
			for i := 0; i < rv.Len(); i++ {
				if i >= maxDetailElems {
					out = append(out, fmt.Sprintf("... %d more", rv.Len()-maxDetailElems))
					break
				}
				out = append(out, Sanitize(rv.Index(i).Interface()))
			}
			return out
		}
		if _, err := json.Marshal(t); err != nil {
			return fmt.Sprintf("%v", t)
		}
		return t
	}
}
