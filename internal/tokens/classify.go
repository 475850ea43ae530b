// Package tokens analyzes captured header and body values: what looks
// like a credential, what is a session token the server will re-issue,
// which body fields are per-request variables, and what personal data
// has to be scrubbed before anything is written to disk.
package tokens

import (
	"strings"

	"github.com/google/uuid"
)

// Confidence and format labels attached to classified values.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"

	FormatJWT    = "jwt"
	FormatOpaque = "opaque"
)

// Entropy thresholds separating opaque tokens from ordinary strings.
const (
	entropyHigh   = 4.5
	entropyMedium = 3.5
)

// TokenInfo is the outcome of classifying a single value.
type TokenInfo struct {
	IsToken    bool       `json:"isToken"`
	Confidence string     `json:"confidence,omitempty"`
	Format     string     `json:"format,omitempty"`
	Claims     *JWTClaims `json:"claims,omitempty"`
	Entropy    float64    `json:"entropy,omitempty"`
}

// Classify decides whether a header or body value is credential
// material. JWTs win outright, UUIDs are entity identifiers rather
// than secrets, and everything else is judged by length and entropy.
func Classify(name, value string) TokenInfo {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(v, "Bearer ")
	v = strings.TrimSpace(v)

	if claims := ExtractJWTClaims(v); claims != nil {
		return TokenInfo{IsToken: true, Confidence: ConfidenceHigh, Format: FormatJWT, Claims: claims}
	}
	if isUUID(v) {
		return TokenInfo{}
	}
	if len(v) < 16 {
		return TokenInfo{}
	}

	entropy := ShannonEntropy(v)
	switch {
	case entropy >= entropyHigh:
		return TokenInfo{IsToken: true, Confidence: ConfidenceHigh, Format: FormatOpaque, Entropy: entropy}
	case entropy >= entropyMedium:
		return TokenInfo{IsToken: true, Confidence: ConfidenceMedium, Format: FormatOpaque, Entropy: entropy}
	default:
		return TokenInfo{Entropy: entropy}
	}
}

func isUUID(v string) bool {
	if len(v) != 36 {
		return false
	}
	return uuid.Validate(v) == nil
}
