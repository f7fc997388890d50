package consent

import (
	"fmt"
	"slices"
	"strings"
)

// Scopes a client may request
const (
	ScopeProfileRead   = "profile:read"
	ScopeProfileWrite  = "profile:write"
	ScopeEmailRead     = "email:read"
	ScopeModelsRead    = "models:read"
	ScopeModelsWrite   = "models:write"
	ScopeAnalyticsRead = "analytics:read"
	ScopeAdminRead     = "admin:read"
)

// ValidScopes is the closed set of scopes understood by the server
var ValidScopes = []string{
	ScopeProfileRead,
	ScopeProfileWrite,
	ScopeEmailRead,
	ScopeModelsRead,
	ScopeModelsWrite,
	ScopeAnalyticsRead,
	ScopeAdminRead,
}

// InvalidScopeError lists every requested scope outside ValidScopes
type InvalidScopeError struct {
	Scopes []string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("invalid scopes: %s", strings.Join(e.Scopes, ", "))
}

// ValidateScopes rejects any scope outside ValidScopes
func ValidateScopes(scopes []string) error {
	var invalid []string
	for _, scope := range scopes {
		if !slices.Contains(ValidScopes, scope) {
			invalid = append(invalid, scope)
		}
	}
	if len(invalid) > 0 {
		return &InvalidScopeError{Scopes: invalid}
	}
	return nil
}

// Subset reports the scopes in requested that are not in allowed
func Subset(requested, allowed []string) (missing []string) {
	for _, scope := range requested {
		if !slices.Contains(allowed, scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}
