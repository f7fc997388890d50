package session

import (
	"net"
	"net/http"
)

const (
	CookieName       = "app_session"
	DefaultMaxAge    = 24 * 60 * 60 // 1 day
	clearedCookieAge = -1
)

// isSecureRequest determines if the request is over HTTPS
func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}

	// Check forwarded headers from reverse proxies
	if r.Header.Get("X-Forwarded-Proto") == "https" {
		return true
	}
	return r.Header.Get("X-Forwarded-Ssl") == "on"
}

// cookieDomain leaves the domain unset for localhost so cookies work in development
func cookieDomain(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return ""
	}
	return host
}

func newCookie(r *http.Request, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   cookieDomain(r),
		MaxAge:   maxAge,
		Secure:   isSecureRequest(r),
		HttpOnly: true,
		// Lax so the session survives the top-level redirect back from the identity provider
		SameSite: http.SameSiteLaxMode,
	}
}
