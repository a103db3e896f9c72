// Package signature implements webhook request authentication: an
// HMAC-SHA256 signature over the exact raw request body, carried in the
// X-Signature header as "sha256=<hex>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/pagelift/ocr-extraction-service/internal/fault"
)

const prefix = "sha256="

// Sign computes the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the claimed header against the raw body. With an empty
// secret the service runs in open mode and every request passes. The body
// must be the bytes exactly as received on the wire; a re-serialized JSON
// form is not guaranteed byte-identical.
func Verify(secret, header string, body []byte) error {
	if secret == "" {
		return nil
	}
	if !strings.HasPrefix(header, prefix) {
		return fault.New(fault.CodeInvalidSignature, 401, "missing or malformed signature header")
	}
	want := Sign(secret, body)
	if subtle.ConstantTimeCompare([]byte(header), []byte(want)) != 1 {
		return fault.New(fault.CodeInvalidSignature, 401, "signature mismatch")
	}
	return nil
}
