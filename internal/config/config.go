package config

// Config carries all runtime settings for the capture, replay, and serve
// surfaces. Values are resolved in three layers: built-in defaults, an
// optional YAML file, and environment variables. Environment always wins.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Capture  CaptureConfig  `yaml:"capture"`
	Replay   ReplayConfig   `yaml:"replay"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig controls the serve surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// StorageConfig locates the on-disk state: install salt, encrypted
// credentials, signing key, and skill files.
type StorageConfig struct {
	BaseDir   string `yaml:"base_dir"`
	SkillsDir string `yaml:"skills_dir"`
}

// CacheConfig selects the browse session cache backend.
type CacheConfig struct {
	Backend       string `yaml:"backend"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// CaptureConfig tunes the capture filter and generator.
type CaptureConfig struct {
	ExtraBlockedDomains []string `yaml:"extra_blocked_domains"`
	ResponsePreview     bool     `yaml:"response_preview"`
	SchemaSnapshot      bool     `yaml:"schema_snapshot"`
	ScrubPII            *bool    `yaml:"scrub_pii"`
}

// ReplayConfig tunes outbound replay requests.
type ReplayConfig struct {
	TimeoutSec  int     `yaml:"timeout_sec"`
	MaxBytes    int     `yaml:"max_bytes"`
	DomainRPS   float64 `yaml:"domain_rps"`
	DomainBurst int     `yaml:"domain_burst"`
}

// SecurityConfig holds overrides that weaken or repoint security checks.
// SkipSSRFCheck exists for tests against local fixtures only.
type SecurityConfig struct {
	SkipSSRFCheck bool   `yaml:"skip_ssrf_check"`
	MachineID     string `yaml:"machine_id"`
}

// ScrubPIIEnabled reports whether PII scrubbing applies to captured
// examples. Defaults to on when unset.
func (c *CaptureConfig) ScrubPIIEnabled() bool {
	if c.ScrubPII == nil {
		return true
	}
	return *c.ScrubPII
}
