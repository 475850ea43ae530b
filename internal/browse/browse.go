package browse

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"apitap/internal/apierr"
	"apitap/internal/constants"
	"apitap/internal/monitoring"
	"apitap/internal/replay"
	"apitap/internal/skill"
	"apitap/internal/skill/store"
)

// Guidance reasons returned when a browse cannot produce data.
const (
	ReasonNoSkillFile        = "no_skill_file"
	ReasonNoMatchingEndpoint = "no_matching_endpoint"
	ReasonReplayFailed       = "replay_failed"
	ReasonNonAPIResponse     = "non_api_response"
)

// Result is the browse envelope. Success carries data from a cached or
// live replay; otherwise Reason and Suggestion tell the caller how to
// get the domain working.
type Result struct {
	Success    bool      `json:"success"`
	Data       any       `json:"data,omitempty"`
	Status     int       `json:"status,omitempty"`
	Domain     string    `json:"domain"`
	EndpointID string    `json:"endpointId,omitempty"`
	Tier       string    `json:"tier,omitempty"`
	FromCache  bool      `json:"fromCache,omitempty"`
	CapturedAt time.Time `json:"capturedAt,omitempty"`
	Truncated  bool      `json:"truncated,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	URL        string    `json:"url,omitempty"`
}

// Options tunes one browse call.
type Options struct {
	Params   map[string]any
	Fresh    bool
	MaxBytes int
	NoCache  bool
}

// Browser resolves URLs against cached results and disk skill files.
type Browser struct {
	store  *store.Store
	engine *replay.Engine
	cache  Cache
	ttl    time.Duration

	// Discover, when set, is invoked for domains without a skill file
	// and may run a capture; the read is retried once after it. Nil in
	// the core tool.
	Discover func(ctx context.Context, rawURL string) error
}

// BrowserOption customizes a Browser.
type BrowserOption func(*Browser)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) BrowserOption {
	return func(b *Browser) {
		if c != nil {
			b.cache = c
		}
	}
}

// WithTTL sets how long successful results stay cached.
func WithTTL(ttl time.Duration) BrowserOption {
	return func(b *Browser) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// NewBrowser wires a browser over the skill store and replay engine.
func NewBrowser(st *store.Store, engine *replay.Engine, opts ...BrowserOption) *Browser {
	b := &Browser{
		store:  st,
		engine: engine,
		cache:  NewMemoryCache(0),
		ttl:    constants.BrowseSessionTTL,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Browse turns a URL into API data. The error return is reserved for
// unusable input; everything else comes back as an envelope.
func (b *Browser) Browse(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return nil, apierr.Inputf("browse: unusable URL %q", rawURL)
	}
	domain := strings.ToLower(u.Hostname())

	if !opts.NoCache && b.cache != nil {
		if res, ok := b.cache.Get(ctx, domain, rawURL); ok {
			res.FromCache = true
			monitoring.BrowseCacheHitsTotal.WithLabelValues("hit").Inc()
			monitoring.BrowseRequestsTotal.WithLabelValues("cache").Inc()
			return res, nil
		}
		monitoring.BrowseCacheHitsTotal.WithLabelValues("miss").Inc()
	}

	sf := b.readSkill(domain)
	if sf == nil && b.Discover != nil {
		if derr := b.Discover(ctx, rawURL); derr != nil {
			log.WithError(derr).WithField("domain", domain).Debug("browse: discovery hook failed")
		}
		sf = b.readSkill(domain)
	}
	if sf == nil {
		return b.guidance(ReasonNoSkillFile, domain, rawURL,
			"no skill file for "+domain+"; run `apitap capture "+domain+"` and browse the site to teach it"), nil
	}

	ep, params := selectEndpoint(sf, u.Path)
	if ep == nil {
		return b.guidance(ReasonNoMatchingEndpoint, domain, rawURL,
			"skill file for "+domain+" has no GET endpoint matching "+u.Path+"; re-capture while browsing that page"), nil
	}
	for key, values := range u.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	for key, value := range opts.Params {
		params[key] = value
	}

	res, err := b.engine.Replay(ctx, sf, ep.ID, replay.Options{
		Params:   params,
		Fresh:    opts.Fresh,
		MaxBytes: opts.MaxBytes,
	})
	if err != nil {
		return b.guidance(ReasonReplayFailed, domain, rawURL, replaySuggestion(err)), nil
	}
	if res.Status == http.StatusUnauthorized || res.Status == http.StatusForbidden {
		return b.guidance(ReasonReplayFailed, domain, rawURL,
			"stored credentials were rejected; re-capture "+domain+" to refresh them"), nil
	}
	if strings.Contains(res.Headers["content-type"], "text/html") {
		return b.guidance(ReasonNonAPIResponse, domain, rawURL,
			"the matched endpoint returned HTML; point at a JSON API URL instead"), nil
	}

	out := &Result{
		Success:    true,
		Data:       res.Data,
		Status:     res.Status,
		Domain:     domain,
		EndpointID: ep.ID,
		Tier:       tierLevel(ep),
		CapturedAt: sf.CapturedAt,
		Truncated:  res.Truncated,
	}
	if b.cache != nil && out.Status < 400 && !out.Truncated {
		b.cache.Set(ctx, domain, rawURL, out, b.ttl)
	}
	monitoring.BrowseRequestsTotal.WithLabelValues("replayed").Inc()
	return out, nil
}

func (b *Browser) guidance(reason, domain, rawURL, suggestion string) *Result {
	monitoring.BrowseRequestsTotal.WithLabelValues(reason).Inc()
	return &Result{
		Success:    false,
		Reason:     reason,
		Suggestion: suggestion,
		Domain:     domain,
		URL:        rawURL,
	}
}

// readSkill tries the exact hostname, then without a www. prefix.
func (b *Browser) readSkill(domain string) *skill.SkillFile {
	if b.store == nil {
		return nil
	}
	if sf, err := b.store.Read(domain, true); err == nil {
		return sf
	}
	if trimmed := strings.TrimPrefix(domain, "www."); trimmed != domain {
		if sf, err := b.store.Read(trimmed, true); err == nil {
			return sf
		}
	}
	return nil
}

func replaySuggestion(err error) string {
	switch apierr.KindOf(err) {
	case apierr.KindSafety:
		return err.Error()
	case apierr.KindInput:
		return err.Error() + "; pass the missing value with a param override"
	default:
		return "replay failed: " + err.Error() + "; re-capture the domain if the API changed"
	}
}

// selectEndpoint picks the GET endpoint whose path shape best overlaps
// the requested path, breaking ties toward healthier tiers. Values under
// :name segments come back as bound params.
func selectEndpoint(sf *skill.SkillFile, reqPath string) (*skill.Endpoint, map[string]any) {
	req := splitSegments(reqPath)

	var best *skill.Endpoint
	bestScore := -1
	var bestParams map[string]any

	for _, ep := range sf.Endpoints {
		if !strings.EqualFold(ep.Method, http.MethodGet) {
			continue
		}
		score, params := scorePath(splitSegments(ep.Path), req)
		score += tierWeight(ep)
		if score > bestScore {
			best, bestScore, bestParams = ep, score, params
		}
	}
	if bestParams == nil {
		bestParams = make(map[string]any)
	}
	return best, bestParams
}

// scorePath counts leading segment matches, binding :name segments to
// the request's values. An exact shape match outranks any partial one.
func scorePath(eps, req []string) (int, map[string]any) {
	params := make(map[string]any)
	matches := 0
	for i := 0; i < len(eps) && i < len(req); i++ {
		if strings.HasPrefix(eps[i], ":") {
			params[eps[i][1:]] = req[i]
			matches++
			continue
		}
		if eps[i] == req[i] {
			matches++
			continue
		}
		break
	}
	score := matches * 10
	if matches == len(eps) && len(eps) == len(req) {
		score += 1000
	}
	return score, params
}

func tierWeight(ep *skill.Endpoint) int {
	switch tierLevel(ep) {
	case skill.TierGreen:
		return 3
	case skill.TierYellow:
		return 2
	case skill.TierOrange, skill.TierRed:
		return 0
	default:
		return 1
	}
}

func tierLevel(ep *skill.Endpoint) string {
	if ep.Tier != nil && ep.Tier.Level != "" {
		return ep.Tier.Level
	}
	return skill.TierUnknown
}

func splitSegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
