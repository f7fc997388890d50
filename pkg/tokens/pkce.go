package tokens

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// ChallengeS256 derives the S256 code challenge for a verifier
func ChallengeS256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// VerifyPKCE checks a code verifier against the stored challenge
func VerifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}

	var calculated string
	switch method {
	case ChallengeMethodS256:
		calculated = ChallengeS256(verifier)
	case ChallengeMethodPlain, "":
		calculated = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(calculated), []byte(challenge)) == 1
}

// NormalizeChallengeMethod applies the RFC 7636 default and rejects unknown methods
func NormalizeChallengeMethod(challenge, method string) (string, error) {
	if challenge == "" {
		return "", nil
	}
	switch method {
	case "":
		return ChallengeMethodPlain, nil
	case ChallengeMethodS256, ChallengeMethodPlain:
		return method, nil
	default:
		return "", ErrUnsupportedChallengeMethod
	}
}
