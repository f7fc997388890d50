package handlerutils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/obot-platform/app-oauth-server/pkg/types"
	"go.uber.org/zap"
)

// MaxBodySize bounds JSON request bodies
const MaxBodySize = 1024 * 1024

func JSON(w http.ResponseWriter, statusCode int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	if obj == nil {
		w.WriteHeader(statusCode)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(obj); err != nil {
		zap.L().Error("Error encoding JSON response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"server_error","error_description":"Failed to encode JSON response"}` + "\n"))
		return
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// OAuthError writes an RFC 6749 error body. Responses are never cached.
func OAuthError(w http.ResponseWriter, statusCode int, code, description string) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	JSON(w, statusCode, types.OAuthError{
		Error:            code,
		ErrorDescription: description,
	})
}

// ResourceError writes the error body of a bearer-protected endpoint
func ResourceError(w http.ResponseWriter, statusCode int, code, message string) {
	if statusCode == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="%s"`, code))
	}
	JSON(w, statusCode, types.ResourceError{
		Error:   code,
		Message: message,
	})
}

// RedirectWithError sends the user agent back to the client with an OAuth error
func RedirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, code, description, state string) {
	http.Redirect(w, r, AppendQuery(redirectURI, url.Values{
		"error":             {code},
		"error_description": {description},
		"state":             {state},
	}), http.StatusFound)
}

// AppendQuery adds non-empty params to rawURL, keeping any query it already carries
func AppendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := u.Query()
	for key, values := range params {
		for _, v := range values {
			if v != "" {
				query.Add(key, v)
			}
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// DecodeJSON reads a bounded JSON body into v
func DecodeJSON(r *http.Request, v any) error {
	if r.ContentLength > MaxBodySize {
		return errors.New("request payload too large, must be under 1 MiB")
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

// BearerToken extracts the token of an "Authorization: Bearer" header
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ClientCredentials returns the client credentials of a token endpoint request, from HTTP
// Basic authentication or from the form body. The form must already be parsed.
func ClientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 2.3.1: both values are form-encoded before being joined
		if unescaped, err := url.QueryUnescape(id); err == nil {
			id = unescaped
		}
		if unescaped, err := url.QueryUnescape(secret); err == nil {
			secret = unescaped
		}
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

// GetClientIP extracts the client IP from the request using the X-Forwarded-For,
// X-Real-IP and RemoteAddr headers.
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Get the first IP in the comma-separated list
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// GetBaseURL returns the URL of the request without the path and
// infers the scheme (http or https)
func GetBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
