package tokens

import "errors"

var (
	// ErrInvalidGrant covers unknown, expired, consumed or mismatched codes and refresh tokens
	ErrInvalidGrant = errors.New("invalid_grant")
	// ErrInvalidToken is returned by Verify when either the signature or the store check fails
	ErrInvalidToken = errors.New("invalid token")

	ErrInvalidClient              = errors.New("invalid client")
	ErrRedirectURIMismatch        = errors.New("redirect_uri does not match the registered redirect URI")
	ErrPKCERequired               = errors.New("code_challenge is required for this client")
	ErrUnsupportedChallengeMethod = errors.New("code_challenge_method must be S256 or plain")
)
