package payload

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/pagelift/ocr-extraction-service/internal/fault"
)

func faultCode(t *testing.T, err error) fault.Code {
	t.Helper()
	var f *fault.Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected a fault, got %v", err)
	}
	return f.Code
}

func TestDecodeValid(t *testing.T) {
	raw := []byte("hello webhook")

	tests := []struct {
		name string
		in   string
	}{
		{"padded", base64.StdEncoding.EncodeToString(raw)},
		{"unpadded", base64.RawStdEncoding.EncodeToString(raw)},
		{"surrounding whitespace", "  " + base64.StdEncoding.EncodeToString(raw) + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.in, 1<<20)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, raw) {
				t.Errorf("decoded %q, want %q", got, raw)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
		code fault.Code
	}{
		{"empty", "", fault.CodeMissingFields},
		{"illegal characters", "ZGFYQ@==#", fault.CodeInvalidBase64},
		{"bad padding", "QUJD=", fault.CodeInvalidBase64},
		{"truncated", "QQQQQ", fault.CodeInvalidBase64},
		{"embedded newline", "QUJD\nREVG", fault.CodeInvalidBase64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.in, 1<<20)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if code := faultCode(t, err); code != tt.code {
				t.Errorf("expected %s, got %s", tt.code, code)
			}
		})
	}
}

func TestDecodeEnforcesByteCeiling(t *testing.T) {
	raw := make([]byte, 100)
	in := base64.StdEncoding.EncodeToString(raw)

	if _, err := Decode(in, 100); err != nil {
		t.Fatalf("exactly at the ceiling should pass: %v", err)
	}

	_, err := Decode(in, 99)
	if err == nil {
		t.Fatal("expected rejection above the ceiling")
	}
	if code := faultCode(t, err); code != fault.CodePayloadTooLarge {
		t.Errorf("expected payload_too_large, got %s", code)
	}
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestCheckImageDimensions(t *testing.T) {
	small := encodePNG(t, 10, 10)
	big := encodePNG(t, 64, 64)
	tall := encodePNG(t, 64, 10)

	tests := []struct {
		name      string
		data      []byte
		minPixels int
		code      fault.Code // empty means accepted
	}{
		{"disabled policy accepts anything", []byte("not an image"), 0, ""},
		{"big enough", big, 32, ""},
		{"too small", small, 32, fault.CodeImageTooSmall},
		{"one dimension too small", tall, 32, fault.CodeImageTooSmall},
		{"undecodable", []byte("garbage"), 32, fault.CodeImageInspectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckImageDimensions(tt.data, tt.minPixels)
			if tt.code == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected rejection")
			}
			if code := faultCode(t, err); code != tt.code {
				t.Errorf("expected %s, got %s", tt.code, code)
			}
		})
	}
}

func TestMimeHelpers(t *testing.T) {
	if !IsImageMime("image/png") || !IsImageMime(" IMAGE/JPEG ") {
		t.Error("image mimes not recognized")
	}
	if IsImageMime("application/pdf") {
		t.Error("pdf misclassified as image")
	}
	if !IsPDFMime("application/pdf") || !IsPDFMime("Application/PDF") {
		t.Error("pdf mime not recognized")
	}
	if IsPDFMime("text/plain") {
		t.Error("text/plain misclassified as pdf")
	}
}
