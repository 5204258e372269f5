package observability

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// TokenHeader carries the per-process token. Authorization: Bearer is
// accepted as well.
const TokenHeader = "X-Local-Token"

// LocalToken rejects requests whose token does not match required. An empty
// required token rejects everything.
func LocalToken(requiredToken string) func(http.Handler) http.Handler {
	required := []byte(strings.TrimSpace(requiredToken))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			candidate := strings.TrimSpace(r.Header.Get(TokenHeader))
			if candidate == "" {
				authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
				if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
					candidate = strings.TrimSpace(authHeader[7:])
				}
			}
			if len(required) == 0 || subtle.ConstantTimeCompare([]byte(candidate), required) != 1 {
				writeDenied(w, http.StatusUnauthorized, "unauthorized", "missing or invalid local token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoopbackOnly rejects requests whose transport peer is not a loopback
// address. Forwarding headers are ignored.
func LoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsLoopback(r.RemoteAddr) {
			writeDenied(w, http.StatusForbidden, "forbidden", "only loopback clients are allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsLoopback reports whether remoteAddr, in host:port or bare host form,
// names a loopback IP.
func IsLoopback(remoteAddr string) bool {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeDenied(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
