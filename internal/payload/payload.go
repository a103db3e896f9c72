// Package payload validates the inbound document: strict base64 decoding,
// the configured byte ceiling, and an optional minimum-pixel policy for
// images.
package payload

import (
	"bytes"
	"encoding/base64"
	"image"
	"strings"

	"github.com/pagelift/ocr-extraction-service/internal/fault"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decode validates and decodes a base64 document payload. Beyond the strict
// alphabet/padding check, the decoded bytes are re-encoded and compared
// (ignoring padding) against the input: this catches truncated strings that
// lenient decoders accept silently.
func Decode(b64 string, maxBytes int64) ([]byte, error) {
	s := strings.TrimSpace(b64)
	if s == "" {
		return nil, fault.New(fault.CodeMissingFields, 400, "dataBase64 is required")
	}

	raw, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		// Tolerate unpadded input, still with a strict alphabet.
		if strings.ContainsRune(s, '=') {
			return nil, fault.New(fault.CodeInvalidBase64, 400, "dataBase64 is not valid base64")
		}
		raw, err = base64.RawStdEncoding.Strict().DecodeString(s)
		if err != nil {
			return nil, fault.New(fault.CodeInvalidBase64, 400, "dataBase64 is not valid base64")
		}
	}

	reencoded := base64.StdEncoding.EncodeToString(raw)
	if strings.TrimRight(reencoded, "=") != strings.TrimRight(s, "=") {
		return nil, fault.New(fault.CodeInvalidBase64, 400, "dataBase64 does not round-trip")
	}

	if int64(len(raw)) > maxBytes {
		return nil, fault.Newf(fault.CodePayloadTooLarge, 400,
			"document of %d bytes exceeds the %d byte limit", len(raw), maxBytes).
			WithDetail("bytes", len(raw)).
			WithDetail("maxBytes", maxBytes)
	}
	return raw, nil
}

// CheckImageDimensions enforces the minimum-pixel policy on decoded image
// bytes. A zero minPixels disables the check entirely.
func CheckImageDimensions(data []byte, minPixels int) error {
	if minPixels <= 0 {
		return nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fault.New(fault.CodeImageInspectionFailed, 400, "could not determine image dimensions").
			WithDetail("cause", err.Error())
	}
	if cfg.Width < minPixels || cfg.Height < minPixels {
		return fault.Newf(fault.CodeImageTooSmall, 400,
			"image %dx%d is below the %dpx minimum", cfg.Width, cfg.Height, minPixels).
			WithDetail("width", cfg.Width).
			WithDetail("height", cfg.Height).
			WithDetail("minPixels", minPixels)
	}
	return nil
}

// IsImageMime reports whether the declared mime routes to the image path.
func IsImageMime(mime string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/")
}

// IsPDFMime reports whether the declared mime routes to the PDF path.
func IsPDFMime(mime string) bool {
	return strings.EqualFold(strings.TrimSpace(mime), "application/pdf")
}
