package config

// Defaults returns a Config populated with built-in defaults. BaseDir is
// left empty here; Load resolves it against the user's home directory.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8782",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Cache: CacheConfig{
			Backend:     "memory",
			TTLSeconds:  300,
			RedisPrefix: "apitap:",
		},
		Capture: CaptureConfig{
			SchemaSnapshot: true,
		},
		Replay: ReplayConfig{
			TimeoutSec:  5,
			DomainRPS:   4,
			DomainBurst: 8,
		},
	}
}
