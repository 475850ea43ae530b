package constants

// Version information (injected at build time via -ldflags).
var (
	Version   = "0.4.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GetFullVersion returns the version with build metadata.
func GetFullVersion() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
