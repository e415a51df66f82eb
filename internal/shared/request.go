package shared

import (
	"net"
	"net/http"
	"strings"
)

// WantsJSON reports whether the caller expects a structured response instead
// of an HTML page or redirect: XHR requests, JSON Accept headers and /api/
// routes.
func WantsJSON(r *http.Request) bool {
	if r == nil {
		return false
	}
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	if accept == "" {
		return false
	}
	jsonAt := strings.Index(accept, "application/json")
	if jsonAt < 0 {
		return false
	}
	htmlAt := strings.Index(accept, "text/html")
	return htmlAt < 0 || jsonAt < htmlAt
}

// ClientIP extracts the host portion of RemoteAddr. chi's RealIP middleware
// has already rewritten RemoteAddr from proxy headers at this point.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
