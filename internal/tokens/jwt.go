package tokens

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims is the subset of registered claims worth keeping from a
// captured token. Values are informational; nothing is verified.
type JWTClaims struct {
	Exp   int64  `json:"exp,omitempty"`
	Iat   int64  `json:"iat,omitempty"`
	Iss   string `json:"iss,omitempty"`
	Aud   string `json:"aud,omitempty"`
	Scope string `json:"scope,omitempty"`
}

// ExtractJWTClaims decodes the claims segment of a JWT-shaped value
// without verifying the signature. Anything that is not three
// base64url segments starting with a JSON header returns nil.
func ExtractJWTClaims(value string) *JWTClaims {
	v := strings.TrimSpace(value)
	if !strings.HasPrefix(v, "eyJ") || strings.Count(v, ".") != 2 {
		return nil
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(v, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}

	out := &JWTClaims{}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.Exp = exp.Unix()
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		out.Iat = iat.Unix()
	}
	if iss, err := mc.GetIssuer(); err == nil {
		out.Iss = iss
	}
	if aud, err := mc.GetAudience(); err == nil && len(aud) > 0 {
		out.Aud = strings.Join(aud, " ")
	}
	if scope, ok := mc["scope"].(string); ok {
		out.Scope = scope
	}
	return out
}
