package vault

import (
	"strings"
	"time"
)

// Auth types understood by replay when filling stored credentials.
const (
	AuthTypeBearer = "bearer"
	AuthTypeAPIKey = "api-key"
	AuthTypeCookie = "cookie"
	AuthTypeCustom = "custom"
)

// StoredAuth is the per-domain credential record. Value carries the header
// value verbatim (including any "Bearer " prefix); Tokens holds refreshable
// page tokens harvested from request bodies; Session and OAuth are optional
// refresh inputs.
type StoredAuth struct {
	Type       string                  `json:"type"`
	HeaderName string                  `json:"headerName,omitempty"`
	Value      string                  `json:"value,omitempty"`
	Tokens     map[string]SessionToken `json:"tokens,omitempty"`
	Session    *BrowserSession         `json:"session,omitempty"`
	OAuth      *OAuthCredentials       `json:"oauth,omitempty"`
}

// SessionToken is a short-lived page token (CSRF and friends) captured from
// request bodies and refreshed out of band.
type SessionToken struct {
	Value       string     `json:"value"`
	RefreshedAt time.Time  `json:"refreshedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// BrowserSession caches cookies handed over by the capture driver so replay
// can reuse them without reopening a browser.
type BrowserSession struct {
	Cookies  []Cookie  `json:"cookies"`
	SavedAt  time.Time `json:"savedAt"`
	MaxAgeMs int64     `json:"maxAgeMs,omitempty"`
}

// Cookie is one browser cookie as handed over by the capture driver.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// OAuthCredentials holds the secrets needed for a refresh-token grant.
type OAuthCredentials struct {
	RefreshToken string `json:"refreshToken,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Expired reports whether the session is older than its max age. Sessions
// without a max age never expire.
func (s *BrowserSession) Expired(now time.Time) bool {
	if s == nil || s.MaxAgeMs <= 0 || s.SavedAt.IsZero() {
		return false
	}
	return now.Sub(s.SavedAt) > time.Duration(s.MaxAgeMs)*time.Millisecond
}

// CookieHeader renders the session cookies as a Cookie request header value.
func (s *BrowserSession) CookieHeader() string {
	if s == nil || len(s.Cookies) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

// HeaderValue returns the credential value to substitute for the named
// request header, if this record can satisfy it.
func (a *StoredAuth) HeaderValue(header string) (string, bool) {
	if a == nil {
		return "", false
	}
	name := strings.ToLower(strings.TrimSpace(header))
	if a.HeaderName != "" && strings.EqualFold(a.HeaderName, name) && a.Value != "" {
		return a.Value, true
	}
	switch name {
	case "authorization":
		if a.Type == AuthTypeBearer && a.Value != "" {
			return bearerValue(a.Value), true
		}
	case "cookie":
		if a.Type == AuthTypeCookie {
			if a.Value != "" {
				return a.Value, true
			}
			if v := a.Session.CookieHeader(); v != "" {
				return v, true
			}
		}
	case "x-api-key":
		if a.Type == AuthTypeAPIKey && a.HeaderName == "" && a.Value != "" {
			return a.Value, true
		}
	}
	return "", false
}

func bearerValue(v string) string {
	if strings.HasPrefix(v, "Bearer ") || strings.HasPrefix(v, "bearer ") {
		return v
	}
	return "Bearer " + v
}
