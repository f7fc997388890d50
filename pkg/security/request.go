package security

import (
	"net/http"

	"github.com/obot-platform/app-oauth-server/pkg/handlerutils"
)

// RequestEvent starts an event with the caller's address and user agent filled in
func RequestEvent(r *http.Request, action string, success bool) Event {
	return Event{
		Action:    action,
		IP:        handlerutils.GetClientIP(r),
		UserAgent: r.UserAgent(),
		Success:   success,
	}
}

// WithUser sets the user of the event
func (e Event) WithUser(userID string) Event {
	e.UserID = userID
	return e
}

// WithProvider sets the identity provider of the event
func (e Event) WithProvider(provider string) Event {
	e.Provider = provider
	return e
}

// With adds a metadata field to the event
func (e Event) With(key string, value any) Event {
	metadata := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	metadata[key] = value
	e.Metadata = metadata
	return e
}
