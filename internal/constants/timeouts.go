package constants

import "time"

const (
	// ReplayDefaultTimeout is the per-replay deadline when none is given.
	ReplayDefaultTimeout = 5 * time.Second
	// ReplayMinTimeout is the lowest deadline a caller may request.
	ReplayMinTimeout = 5 * time.Second
	// ReplayMaxTimeout is the highest deadline a caller may request.
	ReplayMaxTimeout = 30 * time.Second

	// OAuthRefreshTimeout bounds a token-endpoint round trip.
	OAuthRefreshTimeout = 15 * time.Second

	// DiscoveryTimeout bounds a probe fetch issued by the browse facade.
	DiscoveryTimeout = 20 * time.Second

	// ServerShutdownTimeout bounds graceful HTTP server shutdown.
	ServerShutdownTimeout = 30 * time.Second
	// ServerGracefulWait defines post-shutdown wait window for cleanup.
	ServerGracefulWait = 2 * time.Second

	// SkillsWatchDebounce coalesces bursts of file events from the skills
	// directory into one reload notification.
	SkillsWatchDebounce = 250 * time.Millisecond
)
