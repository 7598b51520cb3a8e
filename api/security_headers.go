package api

import (
	"net/http"
	"strings"
)

const hstsValue = "max-age=63072000; includeSubDomains"

// responseHeaders are applied to every gatekeeper response. Token and
// session payloads must never be cached by intermediaries.
var responseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders stamps responseHeaders and, for HTTPS requests, HSTS.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range responseHeaders {
			h.Set(kv[0], kv[1])
		}
		if overHTTPS(r) {
			h.Set("Strict-Transport-Security", hstsValue)
		}
		next.ServeHTTP(w, r)
	})
}

// overHTTPS reports whether the client reached us over TLS, directly or
// through a proxy that sets X-Forwarded-Proto or Forwarded.
func overHTTPS(r *http.Request) bool {
	switch {
	case r.TLS != nil:
		return true
	case strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"):
		return true
	}
	for _, part := range strings.Split(r.Header.Get("Forwarded"), ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "proto") && strings.EqualFold(strings.Trim(v, `"`), "https") {
			return true
		}
	}
	return false
}
