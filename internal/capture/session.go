package capture

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"apitap/internal/apierr"
	"apitap/internal/events"
	"apitap/internal/models"
	"apitap/internal/monitoring"
	"apitap/internal/skill"
	"apitap/internal/skill/store"
	"apitap/internal/vault"
)

// Session accumulates one capture run against a single domain. Exchanges
// stream in from the browser driver, pass the filter, and fold into the
// generator; Finish writes the skill file and hands credentials to the
// vault. Safe for concurrent use.
type Session struct {
	ID        string
	Domain    string
	StartedAt time.Time

	gen    *skill.Generator
	filter *Filter
	store  *store.Store
	vault  *vault.Vault
	bus    *events.Hub

	mu       sync.Mutex
	accepted int
	filtered int
	cookies  *vault.BrowserSession
	finished bool
}

// SessionOption customizes a Session.
type SessionOption func(*Session, *[]skill.Option)

// WithStore sets where Finish writes the skill file.
func WithStore(st *store.Store) SessionOption {
	return func(s *Session, _ *[]skill.Option) {
		if st != nil {
			s.store = st
		}
	}
}

// WithVault sets where Finish hands extracted credentials.
func WithVault(v *vault.Vault) SessionOption {
	return func(s *Session, _ *[]skill.Option) {
		if v != nil {
			s.vault = v
		}
	}
}

// WithHub sets the event bus capture decisions are published on.
func WithHub(bus *events.Hub) SessionOption {
	return func(s *Session, _ *[]skill.Option) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithFilter replaces the builtin filter, typically to extend the
// blocklist from config.
func WithFilter(f *Filter) SessionOption {
	return func(s *Session, _ *[]skill.Option) {
		if f != nil {
			s.filter = f
		}
	}
}

// WithGeneratorOptions forwards options to the underlying generator.
func WithGeneratorOptions(opts ...skill.Option) SessionOption {
	return func(_ *Session, genOpts *[]skill.Option) {
		*genOpts = append(*genOpts, opts...)
	}
}

// NewSession opens a capture session for domain.
func NewSession(domain string, opts ...SessionOption) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Domain:    strings.ToLower(strings.TrimSpace(domain)),
		StartedAt: time.Now().UTC(),
		filter:    &Filter{},
	}
	var genOpts []skill.Option
	for _, opt := range opts {
		opt(s, &genOpts)
	}
	s.gen = skill.NewGenerator(s.Domain, genOpts...)
	return s
}

// HandleExchange runs one captured response through the filter and, if it
// survives, the generator. It returns the endpoint when the exchange
// taught the session a new one.
func (s *Session) HandleExchange(ctx context.Context, ex *models.CapturedExchange) (*skill.Endpoint, bool) {
	if ex == nil {
		return nil, false
	}

	decision := DecisionForeignHost
	if u, err := url.Parse(ex.URL); err == nil && IsDomainMatch(u.Hostname(), s.Domain) {
		_, decision = s.filter.Decide(ex.URL, ex.Status, ex.ContentType)
	}
	monitoring.CaptureExchangesTotal.WithLabelValues(s.Domain, decision).Inc()

	if decision != DecisionAccepted {
		s.gen.RecordFiltered()
		s.mu.Lock()
		s.filtered++
		s.mu.Unlock()
		s.publish(ctx, events.TopicCaptureFiltered, map[string]any{
			"sessionId": s.ID,
			"url":       ex.URL,
			"reason":    decision,
		})
		return nil, false
	}

	ep := s.gen.AddExchange(ex)
	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()

	s.publish(ctx, events.TopicCaptureAccepted, map[string]any{
		"sessionId": s.ID,
		"url":       ex.URL,
		"method":    ex.Method,
		"status":    ex.Status,
	})
	if ep != nil {
		s.publish(ctx, events.TopicCaptureEndpoint, EndpointEvent{
			SessionID: s.ID,
			Domain:    s.Domain,
			ID:        ep.ID,
			Method:    ep.Method,
			Path:      ep.Path,
			Operation: ep.Operation,
		})
	}
	return ep, ep != nil
}

// EndpointEvent is the payload published when a session learns a new
// endpoint, and the frame observers receive on the feed.
type EndpointEvent struct {
	SessionID string `json:"sessionId"`
	Domain    string `json:"domain"`
	ID        string `json:"id"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Operation string `json:"operation,omitempty"`
}

// AddNetworkBytes feeds the driver's traffic accounting into the session.
func (s *Session) AddNetworkBytes(n int64) { s.gen.AddNetworkBytes(n) }

// SetDOMBytes records the final DOM size reported by the driver.
func (s *Session) SetDOMBytes(n int64) { s.gen.SetDOMBytes(n) }

// SetCaptchaRisk flags that the driver hit bot detection.
func (s *Session) SetCaptchaRisk(risk bool) { s.gen.SetCaptchaRisk(risk) }

// SetBrowserSession stashes the driver's cookie jar for the vault handoff
// at Finish.
func (s *Session) SetBrowserSession(cookies []vault.Cookie, maxAgeMs int64) {
	if len(cookies) == 0 {
		return
	}
	s.mu.Lock()
	s.cookies = &vault.BrowserSession{
		Cookies:  cookies,
		SavedAt:  time.Now().UTC(),
		MaxAgeMs: maxAgeMs,
	}
	s.mu.Unlock()
	s.gen.MarkCookieSession()
}

// EndpointCount returns how many endpoints the session has learned.
func (s *Session) EndpointCount() int { return s.gen.EndpointCount() }

// Summary is what a finished session produced.
type Summary struct {
	SessionID  string `json:"sessionId"`
	Domain     string `json:"domain"`
	Endpoints  int    `json:"endpoints"`
	Captured   int    `json:"captured"`
	Filtered   int    `json:"filtered"`
	SkillPath  string `json:"skillPath,omitempty"`
	AuthStored bool   `json:"authStored"`
	DurationMs int64  `json:"durationMs"`
}

// Finish writes the skill file, hands credentials to the vault, and
// closes the session. A second Finish is an input error.
func (s *Session) Finish(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil, apierr.Inputf("capture: session %s already finished", s.ID)
	}
	s.finished = true
	cookies := s.cookies
	s.mu.Unlock()

	sf := s.gen.ToSkillFile(s.Domain)
	summary := &Summary{
		SessionID:  s.ID,
		Domain:     s.Domain,
		Endpoints:  len(sf.Endpoints),
		Captured:   sf.Metadata.CaptureCount,
		Filtered:   sf.Metadata.FilteredCount,
		DurationMs: time.Since(s.StartedAt).Milliseconds(),
	}

	if s.store != nil && len(sf.Endpoints) > 0 {
		if err := s.store.Write(sf); err != nil {
			return nil, err
		}
		summary.SkillPath = s.store.Path(s.Domain)
		monitoring.SkillsWrittenTotal.WithLabelValues(s.Domain).Inc()
		s.publish(ctx, events.TopicSkillWritten, map[string]any{
			"domain":    s.Domain,
			"path":      summary.SkillPath,
			"endpoints": len(sf.Endpoints),
		})
	}

	summary.AuthStored = s.handOffCredentials(cookies)

	log.WithFields(log.Fields{
		"session":   s.ID,
		"domain":    s.Domain,
		"endpoints": summary.Endpoints,
		"captured":  summary.Captured,
		"filtered":  summary.Filtered,
	}).Info("capture: session finished")
	return summary, nil
}

// handOffCredentials moves everything secret out of the generator and
// into the vault. The skill file on disk never carries these values.
func (s *Session) handOffCredentials(cookies *vault.BrowserSession) bool {
	if s.vault == nil {
		return false
	}

	stored := false
	if auths := s.gen.ExtractedAuth(); len(auths) > 0 {
		if err := s.vault.Store(s.Domain, auths[0]); err != nil {
			log.WithError(err).Warn("capture: failed to store auth")
		} else {
			stored = true
		}
	}

	rt, cs := s.gen.OAuthRefreshToken(), s.gen.OAuthClientSecret()
	if rt != "" || cs != "" {
		creds := vault.OAuthCredentials{RefreshToken: rt, ClientSecret: cs}
		if err := s.vault.StoreOAuthCredentials(s.Domain, creds); err != nil {
			log.WithError(err).Warn("capture: failed to store oauth credentials")
		} else {
			stored = true
		}
	}

	if tokens := s.gen.SessionTokens(); len(tokens) > 0 {
		if err := s.vault.StoreTokens(s.Domain, tokens); err != nil {
			log.WithError(err).Warn("capture: failed to store session tokens")
		} else {
			stored = true
		}
	}

	if cookies != nil {
		if err := s.vault.StoreSession(s.Domain, cookies); err != nil {
			log.WithError(err).Warn("capture: failed to store browser session")
		} else {
			stored = true
		}
	}
	return stored
}

func (s *Session) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, topic, payload, nil)
}
