// Package refresh coordinates credential refreshes so that concurrent
// replays hitting 401 on the same domain trigger at most one refresh.
// Distinct domains refresh independently.
package refresh

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"apitap/internal/oauth"
	"apitap/internal/skill"
)

// Result reports what a refresh attempt did.
type Result struct {
	Success        bool   `json:"success"`
	OAuthRefreshed bool   `json:"oauthRefreshed"`
	TokenRotated   bool   `json:"tokenRotated,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// OAuthRefresher is satisfied by *oauth.Refresher.
type OAuthRefresher interface {
	Refresh(ctx context.Context, domain string, cfg *skill.OAuthConfig) (*oauth.Result, error)
}

// BrowserRefreshFunc re-acquires a browser session for a domain whose
// endpoints depend on body tokens rather than OAuth. Registered by the
// capture subsystem when one is running.
type BrowserRefreshFunc func(ctx context.Context, domain string) error

type flight struct {
	wg  sync.WaitGroup
	res *Result
}

// Dispatcher is the process-wide per-domain refresh coordinator.
type Dispatcher struct {
	mu       sync.Mutex
	inflight map[string]*flight
	oauth    OAuthRefresher
	browser  BrowserRefreshFunc
}

// NewDispatcher creates a dispatcher. The refresher may be nil when no
// vault is configured; such a dispatcher only serves browser refreshes.
func NewDispatcher(refresher OAuthRefresher) *Dispatcher {
	return &Dispatcher{
		inflight: make(map[string]*flight),
		oauth:    refresher,
	}
}

// RegisterBrowserRefresh installs the fallback used for domains without
// an OAuth config. Passing nil removes it.
func (d *Dispatcher) RegisterBrowserRefresh(fn BrowserRefreshFunc) {
	d.mu.Lock()
	d.browser = fn
	d.mu.Unlock()
}

// Refresh runs or joins the in-flight refresh for domain. The first
// caller performs the refresh under its own context; later callers wait
// for that outcome, honoring their own context without cancelling the
// refresh. The error return is reserved for the caller's context.
func (d *Dispatcher) Refresh(ctx context.Context, domain string, cfg *skill.OAuthConfig) (*Result, error) {
	d.mu.Lock()
	if f, ok := d.inflight[domain]; ok {
		d.mu.Unlock()
		done := make(chan struct{})
		go func() {
			f.wg.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return f.res, nil
		}
	}

	f := &flight{}
	f.wg.Add(1)
	d.inflight[domain] = f
	d.mu.Unlock()

	f.res = d.run(ctx, domain, cfg)

	d.mu.Lock()
	delete(d.inflight, domain)
	d.mu.Unlock()
	f.wg.Done()

	return f.res, nil
}

func (d *Dispatcher) run(ctx context.Context, domain string, cfg *skill.OAuthConfig) *Result {
	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()

	switch {
	case cfg != nil && d.oauth != nil:
		res, err := d.oauth.Refresh(ctx, domain, cfg)
		if err != nil {
			log.WithError(err).WithField("domain", domain).Warn("refresh: oauth refresh failed")
			return &Result{Detail: err.Error()}
		}
		return &Result{Success: true, OAuthRefreshed: res.Refreshed, TokenRotated: res.TokenRotated}
	case browser != nil:
		if err := browser(ctx, domain); err != nil {
			log.WithError(err).WithField("domain", domain).Warn("refresh: browser refresh failed")
			return &Result{Detail: err.Error()}
		}
		return &Result{Success: true, Detail: "browser session refreshed"}
	default:
		return &Result{Detail: "no refresh mechanism available for " + domain}
	}
}
