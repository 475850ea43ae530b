package skill

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"apitap/internal/detect"
	"apitap/internal/infer"
	"apitap/internal/models"
	"apitap/internal/tokens"
	"apitap/internal/vault"
)

// Header keys preserved in endpoint templates. Anything else the browser
// sent is dropped. x-* headers are preserved too, except x-forwarded*.
var headerAllowList = map[string]bool{
	"authorization":    true,
	"content-type":     true,
	"accept":           true,
	"x-api-key":        true,
	"x-csrf-token":     true,
	"x-requested-with": true,
}

var (
	slugRe               = regexp.MustCompile(`[^a-z0-9]+`)
	sessionTokenHeaderRe = regexp.MustCompile(`(?i)csrf|xsrf|nonce`)
)

// Generator accumulates one capture session's exchanges for a single host
// and renders them into a skill file. Safe for concurrent use; the capture
// feed calls it from the socket reader goroutine.
type Generator struct {
	host           string
	scrubPII       bool
	snapshotSchema bool
	previewBytes   int

	mu             sync.Mutex
	baseURL        string
	endpoints      map[string]*Endpoint
	order          []string
	usedIDs        map[string]int
	extracted      map[string]*vault.StoredAuth
	extractedOrder []string
	sessionTokens  map[string]vault.SessionToken
	oauthConfig    *OAuthConfig
	oauthRefresh   string
	oauthSecret    string
	captchaRisk    bool
	cookieSession  bool
	ttlHint        int64
	captureCount   int
	filteredCount  int
	totalRequests  int64
	networkBytes   int64
	domBytes       int64
}

// Option configures a Generator.
type Option func(*Generator)

// WithPIIScrub toggles scrubbing of query examples, example URLs, and
// previews. On by default.
func WithPIIScrub(enabled bool) Option {
	return func(g *Generator) { g.scrubPII = enabled }
}

// WithSchemaSnapshot toggles the recursive response schema. On by default.
func WithSchemaSnapshot(enabled bool) Option {
	return func(g *Generator) { g.snapshotSchema = enabled }
}

// WithResponsePreview enables a scrubbed response preview of up to
// maxBytes per endpoint. Off by default.
func WithResponsePreview(maxBytes int) Option {
	return func(g *Generator) {
		if maxBytes > 0 {
			g.previewBytes = maxBytes
		}
	}
}

// NewGenerator creates an accumulator for one host.
func NewGenerator(host string, opts ...Option) *Generator {
	g := &Generator{
		host:           host,
		scrubPII:       true,
		snapshotSchema: true,
		endpoints:      map[string]*Endpoint{},
		usedIDs:        map[string]int{},
		extracted:      map[string]*vault.StoredAuth{},
		sessionTokens:  map[string]vault.SessionToken{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Host returns the host this generator accumulates for.
func (g *Generator) Host() string { return g.host }

// AddExchange folds an accepted exchange into the session. It returns the
// newly created endpoint on first sight of a key and nil on duplicates.
// OAuth token requests are consumed for their credentials and never become
// endpoints: their bodies are credential material.
func (g *Generator) AddExchange(ex *models.CapturedExchange) *Endpoint {
	if ex == nil {
		return nil
	}
	u, err := url.Parse(ex.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		log.WithField("url", ex.URL).Debug("skill: skipping exchange with unusable URL")
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.captureCount++
	g.totalRequests++
	g.networkBytes += int64(len(ex.RequestBody) + len(ex.ResponseBody))
	if g.baseURL == "" {
		g.baseURL = u.Scheme + "://" + u.Host
	}

	if oauth := detect.DetectOAuthTokenRequest(ex); oauth != nil {
		g.recordOAuthLocked(oauth)
		return nil
	}

	path := infer.ParameterizePath(infer.CleanFrameworkPath(u.Path))
	method := strings.ToUpper(ex.Method)

	operation := ""
	graphql := detect.IsGraphQL(ex)
	key := method + " " + path
	if graphql {
		operation = detect.GraphQLOperationName(ex)
		key += " :: " + operation
	}

	if existing, ok := g.endpoints[key]; ok {
		existing.TimesSeen++
		return nil
	}

	ep := g.buildEndpointLocked(ex, u, method, path, operation, graphql)
	g.endpoints[key] = ep
	g.order = append(g.order, key)
	log.WithFields(log.Fields{
		"endpoint": ep.ID,
		"method":   method,
		"path":     path,
	}).Debug("skill: new endpoint")
	return ep
}

// RecordFiltered counts an exchange rejected by the capture filter.
func (g *Generator) RecordFiltered() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filteredCount++
	g.totalRequests++
}

// AddNetworkBytes accounts browser traffic that did not become an
// exchange (assets, filtered responses).
func (g *Generator) AddNetworkBytes(n int64) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.networkBytes += n
}

// SetDOMBytes records the rendered page size reported by the driver.
func (g *Generator) SetDOMBytes(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > 0 {
		g.domBytes = n
	}
}

// SetCaptchaRisk flags that the driver saw captcha or bot-detection
// markers during the session.
func (g *Generator) SetCaptchaRisk(risk bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captchaRisk = risk
}

// MarkCookieSession records that the driver handed over a cookie session
// for this host.
func (g *Generator) MarkCookieSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cookieSession = true
}

// ExtractedAuth returns the credentials pulled out of request headers,
// authorization first.
func (g *Generator) ExtractedAuth() []*vault.StoredAuth {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*vault.StoredAuth, 0, len(g.extracted))
	if a, ok := g.extracted["authorization"]; ok {
		out = append(out, a)
	}
	for _, name := range g.extractedOrder {
		if name == "authorization" {
			continue
		}
		out = append(out, g.extracted[name])
	}
	return out
}

// SessionTokens returns the refreshable header tokens (CSRF and friends)
// seen during the session, keyed by lowercased header name.
func (g *Generator) SessionTokens() map[string]vault.SessionToken {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sessionTokens) == 0 {
		return nil
	}
	out := make(map[string]vault.SessionToken, len(g.sessionTokens))
	for k, v := range g.sessionTokens {
		out[k] = v
	}
	return out
}

// OAuthConfig returns the observed token-request parameters, or nil.
func (g *Generator) OAuthConfig() *OAuthConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.oauthConfig == nil {
		return nil
	}
	cfg := *g.oauthConfig
	return &cfg
}

// OAuthRefreshToken returns the captured refresh token, if any.
func (g *Generator) OAuthRefreshToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.oauthRefresh
}

// OAuthClientSecret returns the captured client secret, if any.
func (g *Generator) OAuthClientSecret() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.oauthSecret
}

// EndpointCount returns the number of unique endpoints so far.
func (g *Generator) EndpointCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.endpoints)
}

// ToSkillFile renders the accumulated session into an unsigned skill file
// for the given domain.
func (g *Generator) ToSkillFile(domain string) *SkillFile {
	g.mu.Lock()
	defer g.mu.Unlock()

	endpoints := make([]*Endpoint, 0, len(g.order))
	for _, key := range g.order {
		endpoints = append(endpoints, g.endpoints[key])
	}

	meta := Metadata{
		CaptureCount:  g.captureCount,
		FilteredCount: g.filteredCount,
		ToolVersion:   ToolVersion,
	}
	if g.totalRequests > 0 || g.networkBytes > 0 || g.domBytes > 0 {
		meta.BrowserCost = &BrowserCost{
			DOMBytes:          g.domBytes,
			TotalNetworkBytes: g.networkBytes,
			TotalRequests:     g.totalRequests,
		}
	}

	sf := &SkillFile{
		Version:    SchemaVersion,
		Domain:     domain,
		BaseURL:    g.baseURL,
		CapturedAt: time.Now().UTC(),
		Endpoints:  endpoints,
		Metadata:   meta,
		Provenance: ProvenanceUnsigned,
		Auth:       g.authInfoLocked(),
	}
	return sf
}

func (g *Generator) authInfoLocked() *AuthInfo {
	mode := BrowserModeNone
	switch {
	case g.oauthConfig != nil:
		mode = BrowserModeOAuth
	case g.cookieSession:
		mode = BrowserModeCookie
	case len(g.extracted) > 0 || len(g.sessionTokens) > 0:
		mode = BrowserModeToken
	}
	if mode == BrowserModeNone && !g.captchaRisk {
		return nil
	}
	info := &AuthInfo{
		BrowserMode: mode,
		CaptchaRisk: g.captchaRisk,
		TTLHint:     g.ttlHint,
	}
	if g.oauthConfig != nil {
		cfg := *g.oauthConfig
		info.OAuth = &cfg
		info.RefreshURL = cfg.TokenEndpoint
	}
	return info
}

func (g *Generator) buildEndpointLocked(ex *models.CapturedExchange, u *url.URL, method, path, operation string, graphql bool) *Endpoint {
	headers := g.filterHeadersLocked(ex)
	query, paramNames := g.buildQueryParams(u.Query())

	example := ex.URL
	if g.scrubPII {
		example = tokens.ScrubPII(example)
	}

	body, bodyTokens := buildBodyTemplate(ex, graphql)
	for name, value := range bodyTokens {
		g.sessionTokens[name] = vault.SessionToken{Value: value, RefreshedAt: time.Now().UTC()}
	}

	ep := &Endpoint{
		ID:            g.uniqueIDLocked(slugID(method, path, operation)),
		Method:        method,
		Path:          path,
		Operation:     operation,
		Query:         query,
		Headers:       headers,
		Body:          body,
		ResponseShape: BuildResponseShape(ex.ResponseBody),
		Pagination:    infer.DetectPagination(paramNames),
		ResponseSize:  len(ex.ResponseBody),
		ExampleURL:    example,
		TimesSeen:     1,
	}
	if g.snapshotSchema {
		ep.ResponseSchema = BuildSchema(ex.ResponseBody)
	}
	if g.previewBytes > 0 {
		ep.ResponsePreview = g.buildPreview(ex.ResponseBody)
	}
	ep.Tier = initialTier(ep)
	return ep
}

// filterHeadersLocked applies the allow-list and swaps token values for
// the stored sentinel, extracting the credential as a side effect.
func (g *Generator) filterHeadersLocked(ex *models.CapturedExchange) map[string]string {
	out := map[string]string{}
	for name, value := range ex.RequestHeaders {
		lower := strings.ToLower(name)
		if !headerPreserved(lower) {
			continue
		}
		if info := tokens.Classify(lower, value); info.IsToken {
			g.extractLocked(lower, value, info)
			out[lower] = StoredSentinel
			continue
		}
		out[lower] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (g *Generator) extractLocked(name, value string, info tokens.TokenInfo) {
	if sessionTokenHeaderRe.MatchString(name) {
		g.sessionTokens[name] = vault.SessionToken{Value: value, RefreshedAt: time.Now().UTC()}
		return
	}
	if cred, exists := g.extracted[name]; exists {
		cred.Value = value
	} else {
		g.extracted[name] = &vault.StoredAuth{
			Type:       credentialType(name),
			HeaderName: name,
			Value:      value,
		}
		g.extractedOrder = append(g.extractedOrder, name)
	}
	if info.Claims != nil && info.Claims.Exp > 0 {
		if ttl := info.Claims.Exp - time.Now().Unix(); ttl > 0 && (g.ttlHint == 0 || ttl < g.ttlHint) {
			g.ttlHint = ttl
		}
	}
}

func (g *Generator) recordOAuthLocked(cap *detect.OAuthCapture) {
	g.oauthConfig = &OAuthConfig{
		TokenEndpoint: cap.TokenEndpoint,
		ClientID:      cap.ClientID,
		GrantType:     cap.GrantType,
		Scope:         cap.Scope,
	}
	if cap.RefreshToken != "" {
		g.oauthRefresh = cap.RefreshToken
	}
	if cap.ClientSecret != "" {
		g.oauthSecret = cap.ClientSecret
	}
	log.WithFields(log.Fields{
		"endpoint": cap.TokenEndpoint,
		"grant":    cap.GrantType,
	}).Info("skill: captured oauth token request")
}

func (g *Generator) buildQueryParams(values url.Values) (map[string]QueryParam, []string) {
	if len(values) == 0 {
		return nil, nil
	}
	params := make(map[string]QueryParam, len(values))
	names := make([]string, 0, len(values))
	for name, vs := range values {
		names = append(names, name)
		example := ""
		if len(vs) > 0 {
			example = vs[0]
		}
		typ := paramType(example)
		if g.scrubPII {
			example = tokens.ScrubPII(example)
		}
		params[name] = QueryParam{Type: typ, Example: example}
	}
	return params, names
}

func (g *Generator) buildPreview(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	s := string(body)
	if len(s) > g.previewBytes {
		s = s[:g.previewBytes]
	}
	if g.scrubPII {
		s = tokens.ScrubPII(s)
	}
	return s
}

func (g *Generator) uniqueIDLocked(base string) string {
	if base == "" {
		base = "endpoint"
	}
	if _, taken := g.usedIDs[base]; !taken {
		g.usedIDs[base] = 1
		return base
	}
	g.usedIDs[base]++
	return fmt.Sprintf("%s-%d", base, g.usedIDs[base])
}

func headerPreserved(lower string) bool {
	if headerAllowList[lower] {
		return true
	}
	return strings.HasPrefix(lower, "x-") && !strings.HasPrefix(lower, "x-forwarded")
}

func credentialType(header string) string {
	switch {
	case header == "authorization":
		return vault.AuthTypeBearer
	case strings.Contains(header, "api-key") || strings.Contains(header, "apikey"):
		return vault.AuthTypeAPIKey
	default:
		return vault.AuthTypeCustom
	}
}

func paramType(v string) string {
	if v == "true" || v == "false" {
		return "boolean"
	}
	if v != "" {
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			return "number"
		}
	}
	return "string"
}

func slugID(method, path, operation string) string {
	if operation != "" {
		return strings.ToLower(method) + "-graphql-" + operation
	}
	s := slugRe.ReplaceAllString(strings.ToLower(method+" "+path), "-")
	return strings.Trim(s, "-")
}

// initialTier authors the capture-time replayability guess. Live replay
// verification upgrades or corrects it later.
func initialTier(ep *Endpoint) *Tier {
	var signals []string
	level := TierUnknown
	if ep.Body != nil && len(ep.Body.RefreshableTokens) > 0 {
		level = TierOrange
		signals = append(signals, "refreshable-body-token")
	}
	for _, v := range ep.Headers {
		if v == StoredSentinel {
			level = TierYellow
			signals = append(signals, "auth-required")
			break
		}
	}
	return &Tier{Level: level, Signals: signals}
}
