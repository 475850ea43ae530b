// Package capture filters browser traffic down to replayable API
// responses and folds what survives into a per-domain skill session.
package capture

import (
	"net/url"
	"strings"

	"apitap/internal/models"
)

// Hosts whose responses are never worth learning: analytics, ads, error
// monitoring, and customer-engagement beacons. Matched by exact host or
// dot-suffix so subdomains are covered.
var blockedHosts = []string{
	// analytics
	"google-analytics.com",
	"analytics.google.com",
	"googletagmanager.com",
	"segment.io",
	"segment.com",
	"mixpanel.com",
	"mxpnl.com",
	"amplitude.com",
	"heapanalytics.com",
	"heap.io",
	"hotjar.com",
	"fullstory.com",
	"clarity.ms",
	// ads
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"adsrvr.org",
	"criteo.com",
	"facebook.net",
	// error and performance monitoring
	"sentry.io",
	"bugsnag.com",
	"datadoghq.com",
	"datadoghq.eu",
	"newrelic.com",
	"nr-data.net",
	"rollbar.com",
	"launchdarkly.com",
	// customer engagement
	"intercom.io",
	"intercomcdn.com",
	"zendesk.com",
	"zdassets.com",
	"drift.com",
	"hubspot.com",
	"hs-analytics.net",
	"braze.com",
	"customer.io",
	"onesignal.com",
}

// Paths that are telemetry or framework noise regardless of host.
var noisePaths = []string{
	"/monitoring",
	"/telemetry",
	"/track",
	"/manifest.json",
}

const noisePathPrefix = "/_next/static/"

var capturableTypes = map[string]struct{}{
	"application/json":         {},
	"application/vnd.api+json": {},
	"text/json":                {},
}

// Filter decides which captured responses are worth keeping. The zero
// value applies the builtin blocklist; Extra adds config-supplied hosts.
type Filter struct {
	Extra []string
}

// Decision labels, used as metric values.
const (
	DecisionAccepted    = "accepted"
	DecisionStatus      = "status"
	DecisionContentType = "content-type"
	DecisionBadURL      = "bad-url"
	DecisionBlockedHost = "blocked-host"
	DecisionNoisePath   = "noise-path"
	DecisionForeignHost = "foreign-host"
)

// ShouldCapture reports whether a response is a keepable API exchange.
func (f *Filter) ShouldCapture(rawURL string, status int, contentType string) bool {
	ok, _ := f.Decide(rawURL, status, contentType)
	return ok
}

// Decide is ShouldCapture plus the rejection reason.
func (f *Filter) Decide(rawURL string, status int, contentType string) (bool, string) {
	if status < 200 || status >= 300 {
		return false, DecisionStatus
	}
	if _, ok := capturableTypes[models.MediaType(contentType)]; !ok {
		return false, DecisionContentType
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false, DecisionBadURL
	}

	host := strings.ToLower(u.Hostname())
	if hostOnList(host, blockedHosts) || hostOnList(host, f.Extra) {
		return false, DecisionBlockedHost
	}

	path := u.Path
	for _, noise := range noisePaths {
		if path == noise {
			return false, DecisionNoisePath
		}
	}
	if strings.HasPrefix(path, noisePathPrefix) {
		return false, DecisionNoisePath
	}

	return true, DecisionAccepted
}

// ShouldCapture applies the builtin filter with no extra hosts.
func ShouldCapture(rawURL string, status int, contentType string) bool {
	var f Filter
	return f.ShouldCapture(rawURL, status, contentType)
}

func hostOnList(host string, list []string) bool {
	for _, b := range list {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}

// IsDomainMatch reports whether host belongs to target: exact match or
// dot-suffix subdomain. A leading www. on the target is ignored, so a
// session opened for www.example.com captures api.example.com.
func IsDomainMatch(host, target string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	target = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(target)), "www.")
	if host == "" || target == "" {
		return false
	}
	return host == target || strings.HasSuffix(host, "."+target)
}
