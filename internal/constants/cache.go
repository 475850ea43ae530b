package constants

import "time"

const (
	// BrowseSessionTTL is how long a browse result stays servable from
	// the session cache.
	BrowseSessionTTL = 5 * time.Minute
	// BrowseSessionMaxEntries caps the in-memory session cache.
	BrowseSessionMaxEntries = 1000

	// StatsCacheTTL is how long an aggregated stats snapshot is reused
	// before the skills directory is re-scanned.
	StatsCacheTTL = 30 * time.Second
)
