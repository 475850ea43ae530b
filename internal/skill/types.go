// Package skill turns accepted captures into the per-domain skill file:
// deduplicated endpoints with parameterized paths, credential-free header
// templates, body templates, and response schemas.
package skill

import (
	"encoding/json"
	"time"

	"apitap/internal/infer"
)

// SchemaVersion is written into new skill files. Readers accept any 1.x.
const SchemaVersion = "1.2"

// ToolVersion identifies the writer in skill metadata.
const ToolVersion = "apitap/0.4.0"

// StoredSentinel replaces credential values in endpoint header templates.
// Replay substitutes the vault value for it at request time.
const StoredSentinel = "[stored]"

// Provenance of a skill file on disk.
const (
	ProvenanceSelf     = "self"
	ProvenanceImported = "imported"
	ProvenanceUnsigned = "unsigned"
)

// Replayability tiers.
const (
	TierGreen   = "green"
	TierYellow  = "yellow"
	TierOrange  = "orange"
	TierRed     = "red"
	TierUnknown = "unknown"
)

// Browser dependence of a domain's auth, recorded in the skill file.
const (
	BrowserModeNone   = "none"
	BrowserModeToken  = "token"
	BrowserModeCookie = "cookie"
	BrowserModeOAuth  = "oauth"
)

// SkillFile is the per-domain artifact written to skills/<domain>.json.
type SkillFile struct {
	Version    string      `json:"version"`
	Domain     string      `json:"domain"`
	BaseURL    string      `json:"baseUrl"`
	CapturedAt time.Time   `json:"capturedAt"`
	Auth       *AuthInfo   `json:"auth,omitempty"`
	Endpoints  []*Endpoint `json:"endpoints"`
	Metadata   Metadata    `json:"metadata"`
	Provenance string      `json:"provenance,omitempty"`
	Signature  string      `json:"signature,omitempty"`
}

// AuthInfo summarizes how the domain authenticates and what a refresh
// needs. Values are hints for replay, not secrets.
type AuthInfo struct {
	BrowserMode string       `json:"browserMode"`
	CaptchaRisk bool         `json:"captchaRisk"`
	TTLHint     int64        `json:"ttlHint,omitempty"`
	RefreshURL  string       `json:"refreshUrl,omitempty"`
	OAuth       *OAuthConfig `json:"oauthConfig,omitempty"`
}

// OAuthConfig is the replayable part of an observed token request. The
// secrets live in the vault, never here.
type OAuthConfig struct {
	TokenEndpoint string `json:"tokenEndpoint"`
	ClientID      string `json:"clientId"`
	GrantType     string `json:"grantType"`
	Scope         string `json:"scope,omitempty"`
}

// Metadata carries capture-session accounting.
type Metadata struct {
	CaptureCount  int          `json:"captureCount"`
	FilteredCount int          `json:"filteredCount"`
	ToolVersion   string       `json:"toolVersion"`
	BrowserCost   *BrowserCost `json:"browserCost,omitempty"`
}

// BrowserCost records what the capture session cost in browser traffic,
// so callers can weigh replay against re-opening a page.
type BrowserCost struct {
	DOMBytes          int64 `json:"domBytes"`
	TotalNetworkBytes int64 `json:"totalNetworkBytes"`
	TotalRequests     int64 `json:"totalRequests"`
}

// Endpoint is one deduplicated API operation.
type Endpoint struct {
	ID              string                `json:"id"`
	Method          string                `json:"method"`
	Path            string                `json:"path"`
	Operation       string                `json:"operation,omitempty"`
	Query           map[string]QueryParam `json:"query,omitempty"`
	Headers         map[string]string     `json:"headers,omitempty"`
	Body            *BodyTemplate         `json:"body,omitempty"`
	ResponseShape   *ResponseShape        `json:"responseShape,omitempty"`
	ResponseSchema  *SchemaNode           `json:"responseSchema,omitempty"`
	Pagination      *infer.Pagination     `json:"pagination,omitempty"`
	Tier            *Tier                 `json:"tier,omitempty"`
	ResponseSize    int                   `json:"responseSize"`
	ExampleURL      string                `json:"exampleUrl,omitempty"`
	ResponsePreview string                `json:"responsePreview,omitempty"`
	TimesSeen       int                   `json:"timesSeen"`
}

// QueryParam is an observed query parameter with a scrubbed example.
type QueryParam struct {
	Type    string `json:"type"`
	Example string `json:"example"`
}

// BodyTemplate is the replayable request body: the captured JSON with
// refreshable token fields cleared, plus the dotted paths replay may
// substitute.
type BodyTemplate struct {
	ContentType       string          `json:"contentType"`
	Template          json.RawMessage `json:"template,omitempty"`
	Variables         []string        `json:"variables,omitempty"`
	RefreshableTokens []string        `json:"refreshableTokens,omitempty"`
}

// ResponseShape is the one-line response summary: top-level type and,
// for objects, the key names in document order.
type ResponseShape struct {
	Type   string   `json:"type"`
	Fields []string `json:"fields,omitempty"`
}

// SchemaNode is one level of the recursive response schema. Arrays are
// sampled by their first element; recursion stops at depth 5.
type SchemaNode struct {
	Type     string                 `json:"type"`
	Fields   map[string]*SchemaNode `json:"fields,omitempty"`
	Items    *SchemaNode            `json:"items,omitempty"`
	Nullable bool                   `json:"nullable,omitempty"`
}

// Tier is the replayability classification for an endpoint. Verified is
// set only after a live replay confirmed the tier.
type Tier struct {
	Level    string   `json:"tier"`
	Verified bool     `json:"verified"`
	Signals  []string `json:"signals,omitempty"`
}

// FindEndpoint returns the endpoint with the given id, or nil.
func (s *SkillFile) FindEndpoint(id string) *Endpoint {
	for _, ep := range s.Endpoints {
		if ep.ID == id {
			return ep
		}
	}
	return nil
}

// GetEndpoints returns endpoints filtered by method, or all when method
// is empty.
func (s *SkillFile) GetEndpoints(method string) []*Endpoint {
	if method == "" {
		return s.Endpoints
	}
	var out []*Endpoint
	for _, ep := range s.Endpoints {
		if ep.Method == method {
			out = append(out, ep)
		}
	}
	return out
}
