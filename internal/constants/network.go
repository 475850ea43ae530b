package constants

import "time"

// HTTP transport settings shared by the replay engine and the browse
// facade. A capture tool talks to many hosts a few times each, so the
// pool stays small.
const (
	MaxIdleConns        = 256
	MaxIdleConnsPerHost = 16
	IdleConnTimeout     = 90 * time.Second

	DefaultDialTimeout           = 10 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultExpectContinueTimeout = 2 * time.Second

	DefaultKeepAlive = 30 * time.Second
)

// DiscoveryUserAgent identifies non-browser fetches. Captured replays
// carry the endpoint's own headers; this is only set when nothing was
// recorded.
const DiscoveryUserAgent = "ApiTap-Discovery/1.0"

// Per-domain replay pacing. Batch replays against one domain are rate
// limited so a skill file cannot be used as a hammer.
const (
	ReplayPerDomainRPS   = 4
	ReplayPerDomainBurst = 2
)

// Serve surface pacing. Caps what any one caller can push through the
// HTTP API; the replay engine's per-domain limits still apply on top.
const (
	ServeRPS   = 20
	ServeBurst = 40
)
