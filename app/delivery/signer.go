package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces the signature header value over the raw payload with the
// subscription's secret. The scheme is pluggable, as subscribers may expect
// different formats.
type Signer interface {
	Sign(payload []byte, secret string) string
}

// SignerFunc is an adapter to use ordinary functions as Signer.
type SignerFunc func(payload []byte, secret string) string

// Sign calls the wrapped function.
func (f SignerFunc) Sign(payload []byte, secret string) string { return f(payload, secret) }

// HMACSigner signs the payload with hex-encoded HMAC-SHA256.
func HMACSigner() Signer {
	return SignerFunc(func(payload []byte, secret string) string {
		h := hmac.New(sha256.New, []byte(secret))
		h.Write(payload) // nolint:errcheck // never returns an error
		return hex.EncodeToString(h.Sum(nil))
	})
}
