// Package replay re-issues captured endpoints from a skill file.
// Outbound requests are composed from scratch on every call: headers
// come from the endpoint template under a strict allow-list, credentials
// come only from the vault, and every URL passes the safety gate before
// a socket opens. The shared skill file is never mutated.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"apitap/internal/apierr"
	"apitap/internal/constants"
	"apitap/internal/monitoring"
	"apitap/internal/monitoring/tracing"
	"apitap/internal/netutil"
	"apitap/internal/refresh"
	"apitap/internal/skill"
	"apitap/internal/vault"
)

// Options control a single replay.
type Options struct {
	// Params fills :name path placeholders, query overrides, and dotted
	// body-template variables.
	Params map[string]any
	// Domain overrides the skill file's domain for vault lookups.
	Domain string
	// Fresh refreshes credentials before the first attempt.
	Fresh bool
	// MaxBytes truncates the decoded body when positive.
	MaxBytes int
	// Timeout is clamped to [ReplayMinTimeout, ReplayMaxTimeout].
	Timeout time.Duration
}

// Result is the outcome of one replay.
type Result struct {
	Status           int               `json:"status"`
	Headers          map[string]string `json:"headers"`
	Data             any               `json:"data"`
	Refreshed        bool              `json:"refreshed,omitempty"`
	Truncated        bool              `json:"truncated,omitempty"`
	ContractWarnings []Warning         `json:"contractWarnings,omitempty"`
}

// Engine replays endpoints. Safe for concurrent use.
type Engine struct {
	vault      *vault.Vault
	policy     *netutil.Policy
	dispatcher *refresh.Dispatcher
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient overrides the outbound client. The client must not
// follow redirects on its own.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// NewEngine creates a replay engine. The vault and dispatcher may be
// nil; replays then run without stored credentials or 401 recovery.
func NewEngine(v *vault.Vault, policy *netutil.Policy, dispatcher *refresh.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		vault:      v,
		policy:     policy,
		dispatcher: dispatcher,
		httpClient: newHTTPClient(),
		limiters:   make(map[string]*rate.Limiter),
	}
	if e.policy == nil {
		e.policy = netutil.NewPolicy(false)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func newHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   constants.DefaultDialTimeout,
			KeepAlive: constants.DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   constants.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: constants.DefaultExpectContinueTimeout,
		MaxIdleConns:          constants.MaxIdleConns,
		MaxIdleConnsPerHost:   constants.MaxIdleConnsPerHost,
		IdleConnTimeout:       constants.IdleConnTimeout,
	}
	return &http.Client{
		Transport: tr,
		// Redirects are validated and followed manually, one hop at most.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Replay looks up endpointID in sf and re-issues it.
func (e *Engine) Replay(ctx context.Context, sf *skill.SkillFile, endpointID string, opts Options) (*Result, error) {
	if sf == nil {
		return nil, apierr.Inputf("replay: no skill file")
	}
	ep := sf.FindEndpoint(endpointID)
	if ep == nil {
		return nil, apierr.Inputf("replay: endpoint %q not found for %s", endpointID, sf.Domain)
	}
	domain := sf.Domain
	if opts.Domain != "" {
		domain = opts.Domain
	}

	start := time.Now()
	spanCtx, span := tracing.StartSpan(ctx, "replay", "Replay.Endpoint",
		trace.WithAttributes(
			attribute.String("replay.domain", domain),
			attribute.String("replay.endpoint_id", endpointID),
			attribute.String("http.method", ep.Method),
		))
	defer span.End()
	ctx = spanCtx

	finishSpan := func(status int, err error) {
		span.SetAttributes(attribute.Int("http.status_code", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		monitoring.ReplaysTotal.WithLabelValues(domain, monitoring.StatusClass(status)).Inc()
		monitoring.ReplayDuration.WithLabelValues(domain).Observe(time.Since(start).Seconds())
	}

	reqURL, err := buildURL(sf.BaseURL, ep, opts.Params)
	if err != nil {
		finishSpan(0, err)
		return nil, err
	}

	refreshed := false
	if opts.Fresh && e.canRefresh(sf, ep) {
		if res, rerr := e.dispatcher.Refresh(ctx, domain, oauthConfig(sf)); rerr == nil && res.Success {
			refreshed = true
		}
	}

	ex, err := e.attempt(ctx, sf, ep, domain, reqURL, opts)
	if err != nil {
		finishSpan(0, err)
		return nil, err
	}

	if ex.status == http.StatusUnauthorized && e.canRefresh(sf, ep) {
		res, rerr := e.dispatcher.Refresh(ctx, domain, oauthConfig(sf))
		if rerr == nil && res.Success {
			refreshed = true
			retry, rerr := e.attempt(ctx, sf, ep, domain, reqURL, opts)
			if rerr != nil {
				monitoring.ReplayRetriesTotal.WithLabelValues(domain, "error").Inc()
				finishSpan(0, rerr)
				return nil, rerr
			}
			monitoring.ReplayRetriesTotal.WithLabelValues(domain, monitoring.StatusClass(retry.status)).Inc()
			ex = retry
		} else {
			log.WithField("domain", domain).Debug("replay: refresh did not succeed, returning original 401")
		}
	}

	result := e.buildResult(domain, ep, ex, refreshed)
	finishSpan(result.Status, nil)
	return result, nil
}

func (e *Engine) canRefresh(sf *skill.SkillFile, ep *skill.Endpoint) bool {
	if e.vault == nil || e.dispatcher == nil {
		return false
	}
	if oauthConfig(sf) != nil {
		return true
	}
	return ep.Body != nil && len(ep.Body.RefreshableTokens) > 0
}

func oauthConfig(sf *skill.SkillFile) *skill.OAuthConfig {
	if sf.Auth == nil {
		return nil
	}
	return sf.Auth.OAuth
}

type exchangeResult struct {
	status    int
	header    http.Header
	raw       []byte
	truncated bool
}

// attempt builds headers and body from current vault state, gates the
// URL, sends the request, and follows at most one validated redirect.
func (e *Engine) attempt(ctx context.Context, sf *skill.SkillFile, ep *skill.Endpoint, domain, reqURL string, opts Options) (*exchangeResult, error) {
	headers := e.buildHeaders(sf, ep, domain)
	body, contentType, err := e.buildBody(ep, domain, opts.Params)
	if err != nil {
		return nil, err
	}
	if contentType != "" && headers["content-type"] == "" {
		headers["content-type"] = contentType
	}

	if res := e.policy.ResolveAndValidate(ctx, reqURL); !res.Safe {
		monitoring.BlockedURLsTotal.WithLabelValues("replay").Inc()
		return nil, apierr.Safetyf("replay: unsafe URL: %s", res.Reason)
	}

	ctx, cancel := context.WithTimeout(ctx, clampTimeout(opts.Timeout))
	defer cancel()

	resp, err := e.send(ctx, ep.Method, reqURL, headers, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			target := loc
			if ref, perr := url.Parse(loc); perr == nil && resp.Request != nil && resp.Request.URL != nil {
				target = resp.Request.URL.ResolveReference(ref).String()
			}
			if v := e.policy.ValidateRedirect(target); !v.Safe {
				drain(resp)
				monitoring.BlockedURLsTotal.WithLabelValues("replay").Inc()
				return nil, apierr.Safetyf("replay: redirect to unsafe target: %s", v.Reason)
			}
			drain(resp)
			resp, err = e.send(ctx, ep.Method, target, headers, body)
			if err != nil {
				return nil, err
			}
		}
	}
	defer drain(resp)

	limit := constants.ResponseBodyCap
	if opts.MaxBytes > 0 && opts.MaxBytes < limit {
		limit = opts.MaxBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "replay: failed to read response body", err)
	}
	truncated := false
	if len(raw) > limit {
		raw = raw[:limit]
		truncated = true
	}

	return &exchangeResult{
		status:    resp.StatusCode,
		header:    resp.Header,
		raw:       raw,
		truncated: truncated,
	}, nil
}

func (e *Engine) send(ctx context.Context, method, reqURL string, headers map[string]string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "replay: failed to build request", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "replay: request failed", err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// buildHeaders composes outbound headers into a fresh map. Template
// entries pass a strict allow-list; "[stored]" placeholders and the
// cookie for cookie-mode skills are filled from the vault only.
func (e *Engine) buildHeaders(sf *skill.SkillFile, ep *skill.Endpoint, domain string) map[string]string {
	out := make(map[string]string)

	var auth *vault.StoredAuth
	var tokens map[string]vault.SessionToken
	if e.vault != nil {
		auth = e.vault.Retrieve(domain)
		tokens = e.vault.RetrieveTokens(domain)
	}

	for name, value := range ep.Headers {
		lk := strings.ToLower(name)
		if value == skill.StoredSentinel {
			if v, ok := auth.HeaderValue(lk); ok {
				out[lk] = v
			} else if tok, ok := tokens[lk]; ok && tok.Value != "" {
				out[lk] = tok.Value
			} else {
				log.WithFields(log.Fields{"domain": domain, "header": lk}).Debug("replay: no stored value for header")
			}
			continue
		}
		if !headerAllowed(lk) {
			continue
		}
		out[lk] = value
	}

	if sf.Auth != nil && sf.Auth.BrowserMode == skill.BrowserModeCookie && e.vault != nil && out["cookie"] == "" {
		if session, _ := e.vault.RetrieveSessionWithFallback(domain); session != nil && !session.Expired(time.Now()) {
			if header := session.CookieHeader(); header != "" {
				out["cookie"] = header
			}
		}
	}

	if out["user-agent"] == "" {
		out["user-agent"] = constants.DiscoveryUserAgent
	}
	return out
}

// headerAllowed holds for template headers that may be copied verbatim.
// host, cookie, authorization, and x-forwarded-* never pass; credential
// headers reach the wire only through the vault.
func headerAllowed(name string) bool {
	switch name {
	case "host", "cookie", "authorization":
		return false
	case "accept", "content-type", "user-agent":
		return true
	}
	if strings.HasPrefix(name, "x-forwarded-") {
		return false
	}
	return strings.HasPrefix(name, "x-")
}

// buildBody clones the endpoint template, substitutes dotted-path
// variables from params, and overlays refreshable tokens from the vault.
func (e *Engine) buildBody(ep *skill.Endpoint, domain string, params map[string]any) ([]byte, string, error) {
	if ep.Body == nil || len(ep.Body.Template) == 0 {
		return nil, "", nil
	}

	body := append([]byte(nil), ep.Body.Template...)
	var err error
	for _, path := range ep.Body.Variables {
		val, ok := params[path]
		if !ok {
			continue
		}
		body, err = sjson.SetBytes(body, path, val)
		if err != nil {
			return nil, "", apierr.Inputf("replay: cannot set body variable %q: %v", path, err)
		}
	}

	if e.vault != nil && len(ep.Body.RefreshableTokens) > 0 {
		tokens := e.vault.RetrieveTokens(domain)
		for _, path := range ep.Body.RefreshableTokens {
			name := lastSegment(path)
			if tok, ok := tokens[name]; ok && tok.Value != "" {
				if updated, serr := sjson.SetBytes(body, path, tok.Value); serr == nil {
					body = updated
				}
			}
		}
	}

	contentType := ep.Body.ContentType
	if strings.Contains(contentType, "application/x-www-form-urlencoded") {
		encoded, ferr := encodeForm(body)
		if ferr != nil {
			return nil, "", ferr
		}
		return encoded, contentType, nil
	}
	return body, contentType, nil
}

// encodeForm turns the JSON object a form template is stored as back
// into urlencoded bytes.
func encodeForm(body []byte) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, apierr.Inputf("replay: form template is not a flat object: %v", err)
	}
	form := url.Values{}
	for key, val := range fields {
		form.Set(key, stringify(val))
	}
	return []byte(form.Encode()), nil
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}

// buildURL joins the base URL and the parameterized path, substituting
// :name placeholders from params and appending query parameters with
// user overrides or recorded examples.
func buildURL(baseURL string, ep *skill.Endpoint, params map[string]any) (string, error) {
	segments := strings.Split(ep.Path, "/")
	for i, seg := range segments {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		name := seg[1:]
		val, ok := params[name]
		if !ok {
			return "", apierr.Inputf("replay: missing path parameter :%s", name)
		}
		segments[i] = url.PathEscape(stringify(val))
	}
	full := strings.TrimRight(baseURL, "/") + strings.Join(segments, "/")

	if len(ep.Query) > 0 {
		keys := make([]string, 0, len(ep.Query))
		for key := range ep.Query {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		query := url.Values{}
		for _, key := range keys {
			if val, ok := params[key]; ok {
				query.Set(key, stringify(val))
			} else if example := ep.Query[key].Example; example != "" {
				query.Set(key, example)
			}
		}
		if encoded := query.Encode(); encoded != "" {
			full += "?" + encoded
		}
	}
	return full, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return constants.ReplayDefaultTimeout
	case d < constants.ReplayMinTimeout:
		return constants.ReplayMinTimeout
	case d > constants.ReplayMaxTimeout:
		return constants.ReplayMaxTimeout
	default:
		return d
	}
}

// buildResult decodes the body and attaches contract warnings when the
// endpoint recorded a response schema.
func (e *Engine) buildResult(domain string, ep *skill.Endpoint, ex *exchangeResult, refreshed bool) *Result {
	headers := make(map[string]string, len(ex.header))
	for name := range ex.header {
		headers[strings.ToLower(name)] = ex.header.Get(name)
	}

	result := &Result{
		Status:    ex.status,
		Headers:   headers,
		Refreshed: refreshed,
		Truncated: ex.truncated,
	}

	isJSON := strings.Contains(headers["content-type"], "json")
	switch {
	case ex.truncated:
		result.Data = string(ex.raw)
	case isJSON && len(ex.raw) > 0:
		var decoded any
		if err := json.Unmarshal(ex.raw, &decoded); err != nil {
			result.Data = string(ex.raw)
			return result
		}
		result.Data = decoded
		if ep.ResponseSchema != nil {
			if actual := skill.BuildSchema(ex.raw); actual != nil {
				result.ContractWarnings = DiffSchemas(ep.ResponseSchema, actual)
				for _, w := range result.ContractWarnings {
					monitoring.ContractDriftTotal.WithLabelValues(domain, string(w.Severity)).Inc()
				}
			}
		}
	default:
		result.Data = string(ex.raw)
	}
	return result
}

func (e *Engine) limiterFor(domain string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[domain]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(constants.ReplayPerDomainRPS), constants.ReplayPerDomainBurst)
		e.limiters[domain] = lim
	}
	return lim
}
