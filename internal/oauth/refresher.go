// Package oauth refreshes captured bearer credentials against the token
// endpoint observed during capture. A refresh never leaves the expected
// issuer: the endpoint must belong to the skill domain or a well-known
// identity provider.
package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/endpoints"

	"apitap/internal/apierr"
	"apitap/internal/detect"
	"apitap/internal/netutil"
	"apitap/internal/skill"
	"apitap/internal/vault"
)

// DefaultTimeout bounds a token-endpoint round trip.
const DefaultTimeout = 15 * time.Second

// wellKnownTokenHosts are identity providers whose token endpoints are
// legitimately off-domain. Matching is exact or dot-suffix, so
// evil-auth0.com never matches auth0.com.
var wellKnownTokenHosts = []string{
	hostOf(endpoints.Google.TokenURL),
	hostOf(endpoints.GitHub.TokenURL),
	hostOf(endpoints.Microsoft.TokenURL),
	"accounts.google.com",
	"securetoken.googleapis.com",
	"reddit.com",
	"twitter.com",
	"x.com",
	"auth0.com",
	"okta.com",
	"firebaseapp.com",
}

// Refresher performs token-endpoint refreshes and rewrites the stored
// auth value on success.
type Refresher struct {
	vault      *vault.Vault
	policy     *netutil.Policy
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Refresher) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithTimeout overrides the per-refresh deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRefresher creates a refresher backed by the given vault and SSRF
// policy.
func NewRefresher(v *vault.Vault, policy *netutil.Policy, opts ...Option) *Refresher {
	r := &Refresher{
		vault:      v,
		policy:     policy,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		timeout:    DefaultTimeout,
	}
	if r.policy == nil {
		r.policy = netutil.NewPolicy(false)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Refresh exchanges the stored refresh credentials for a fresh access
// token and replaces the domain's stored auth value with
// "Bearer <access_token>", preserving sibling fields. A rotated refresh
// token is stored and reported.
func (r *Refresher) Refresh(ctx context.Context, domain string, cfg *skill.OAuthConfig) (*Result, error) {
	if cfg == nil || cfg.TokenEndpoint == "" {
		return nil, apierr.Inputf("oauth: no token endpoint configured for %q", domain)
	}
	if cfg.ClientID == "" {
		return nil, apierr.Inputf("oauth: no client id configured for %q", domain)
	}

	var creds vault.OAuthCredentials
	if stored := r.vault.RetrieveOAuthCredentials(domain); stored != nil {
		creds = *stored
	}
	if cfg.GrantType == detect.GrantRefreshToken && creds.RefreshToken == "" {
		return nil, apierr.Authf("oauth: no stored refresh token for %q", domain)
	}

	form := url.Values{}
	form.Set("grant_type", cfg.GrantType)
	form.Set("client_id", cfg.ClientID)
	if cfg.Scope != "" {
		form.Set("scope", cfg.Scope)
	}
	if cfg.GrantType == detect.GrantRefreshToken {
		form.Set("refresh_token", creds.RefreshToken)
	}
	if creds.ClientSecret != "" {
		form.Set("client_secret", creds.ClientSecret)
	}

	if res := r.policy.ResolveAndValidate(ctx, cfg.TokenEndpoint); !res.Safe {
		return nil, apierr.Safetyf("oauth: token endpoint rejected: %s", res.Reason)
	}
	if err := checkEndpointDomain(cfg.TokenEndpoint, domain); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "oauth: failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "oauth: token request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.Authf("oauth: token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, apierr.Wrap(apierr.KindAuth, "oauth: token response is not valid JSON", err)
	}
	if token.AccessToken == "" {
		return nil, apierr.Authf("oauth: token response carries no access_token")
	}

	rotated := token.RefreshToken != "" && token.RefreshToken != creds.RefreshToken
	err = r.vault.Update(domain, func(auth *vault.StoredAuth) *vault.StoredAuth {
		if auth == nil {
			auth = &vault.StoredAuth{Type: vault.AuthTypeBearer, HeaderName: "authorization"}
		}
		auth.Value = "Bearer " + token.AccessToken
		if rotated {
			if auth.OAuth == nil {
				auth.OAuth = &vault.OAuthCredentials{}
			}
			auth.OAuth.RefreshToken = token.RefreshToken
		}
		return auth
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "oauth: failed to store refreshed token", err)
	}

	log.WithFields(log.Fields{
		"domain":  domain,
		"rotated": rotated,
	}).Info("oauth: access token refreshed")

	return &Result{Refreshed: true, TokenRotated: rotated, ExpiresIn: token.ExpiresIn}, nil
}

// checkEndpointDomain enforces that the token endpoint belongs to the
// skill domain or a well-known identity provider.
func checkEndpointDomain(endpoint, domain string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return apierr.Inputf("oauth: unparseable token endpoint %q", endpoint)
	}
	host := strings.ToLower(u.Hostname())
	if hostMatches(host, strings.ToLower(domain)) {
		return nil
	}
	for _, known := range wellKnownTokenHosts {
		if known != "" && hostMatches(host, known) {
			return nil
		}
	}
	return apierr.Safetyf("oauth: token endpoint host %q matches neither %q nor a known provider", host, domain)
}

// hostMatches is exact or dot-suffix: api.x.tv matches x.tv, evil-x.tv
// does not.
func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
