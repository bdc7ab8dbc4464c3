package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"

	apperrors "switchboard/pkg/errors"
)

const (
	HeaderSignature256  = "X-Hub-Signature-256"
	HeaderSignatureSHA1 = "X-Hub-Signature"

	prefixSHA256 = "sha256="
	prefixSHA1   = "sha1="
)

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	return prefixSHA256 + hex.EncodeToString(digest(sha256.New, secret, body))
}

// SignSHA1 returns the legacy X-Hub-Signature value for body.
func SignSHA1(secret string, body []byte) string {
	return prefixSHA1 + hex.EncodeToString(digest(sha1.New, secret, body))
}

func digest(h func() hash.Hash, secret string, body []byte) []byte {
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Verify checks a "sha256=<hex>" or "sha1=<hex>" signature over the raw body.
func Verify(secret string, body []byte, signature string) error {
	if secret == "" {
		return apperrors.ErrUnauthorized.WithMessage("webhook secret is not configured")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return apperrors.ErrUnauthorized.WithMessage("missing webhook signature")
	}

	var (
		want []byte
		got  string
	)
	switch {
	case strings.HasPrefix(signature, prefixSHA256):
		want = digest(sha256.New, secret, body)
		got = signature[len(prefixSHA256):]
	case strings.HasPrefix(signature, prefixSHA1):
		want = digest(sha1.New, secret, body)
		got = signature[len(prefixSHA1):]
	default:
		return apperrors.ErrUnauthorized.WithMessage("unsupported webhook signature scheme")
	}

	decoded, err := hex.DecodeString(got)
	if err != nil || !hmac.Equal(decoded, want) {
		return apperrors.ErrUnauthorized.WithMessage("webhook signature mismatch")
	}
	return nil
}

// SignatureFromHeaders prefers the SHA-256 header over the legacy SHA-1 one.
func SignatureFromHeaders(h http.Header) string {
	if sig := h.Get(HeaderSignature256); sig != "" {
		return sig
	}
	return h.Get(HeaderSignatureSHA1)
}
