package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
)

const maxWebhookBody = 1 << 20

// WebhookAuth verifies X-Webhook-Signature (HMAC-SHA256 over the raw body,
// hex, optional "sha256=" prefix) and an optional source-IP allow-list.
// With no secret configured the signature check passes through.
func WebhookAuth(secret string, allowedIPs []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		allowed[ip] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) > 0 && !allowed[clientIP(r)] {
				respondError(w, http.StatusForbidden, "source address not allowed")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			if err != nil {
				respondError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if secret != "" && !verifySignature(secret, body, r.Header.Get("X-Webhook-Signature")) {
				log.Printf("[API] webhook signature mismatch from %s", clientIP(r))
				respondError(w, http.StatusUnauthorized, "invalid signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")
	want, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}

// clientIP trusts RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
