package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// WebhookHMAC returns middleware that validates HMAC-SHA256 signatures over
// the raw request body. The header parameter names the header carrying the
// signature, as raw hex or "sha256=<hex>". The body is restored for the
// next handler. onReject, when set, sees every refused request before the
// error is written.
func WebhookHMAC(secret, header string, onReject func(r *http.Request, status int, reason string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(status int, reason string) {
				if onReject != nil {
					onReject(r, status, reason)
				}
				writeError(w, status, reason)
			}

			if secret == "" {
				reject(http.StatusServiceUnavailable, "webhook secret not configured")
				return
			}

			sig := r.Header.Get(header)
			if sig == "" {
				reject(http.StatusUnauthorized, "missing webhook signature")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				reject(http.StatusBadRequest, "failed to read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !VerifyHMAC(body, sig, secret) {
				reject(http.StatusForbidden, "invalid webhook signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// VerifyHMAC checks an HMAC-SHA256 signature in raw hex or "sha256=<hex>" form.
func VerifyHMAC(payload []byte, signature, secret string) bool {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(sigBytes, SignHMAC(payload, secret))
}

// SignHMAC returns the raw HMAC-SHA256 of payload.
func SignHMAC(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"reason":"` + msg + `"}`))
}
