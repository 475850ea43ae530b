package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration. path may be empty; a missing
// file is not an error, only an unreadable or unparsable one is.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env-only configuration
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := getenv("APITAP_DIR", ""); v != "" {
		cfg.Storage.BaseDir = v
	}
	if v := getenv("APITAP_SKILLS_DIR", ""); v != "" {
		cfg.Storage.SkillsDir = v
	}
	if v := getenv("APITAP_MACHINE_ID", ""); v != "" {
		cfg.Security.MachineID = v
	}
	setToggleFromEnv("APITAP_SKIP_SSRF_CHECK", func(b bool) { cfg.Security.SkipSSRFCheck = b })

	if v := getenv("APITAP_LISTEN_ADDR", ""); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := getenv("APITAP_LOG_LEVEL", ""); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("APITAP_LOG_FORMAT", ""); v != "" {
		cfg.Logging.Format = v
	}
	if v := getenv("APITAP_LOG_FILE", ""); v != "" {
		cfg.Logging.File = v
	}

	if v := getenv("APITAP_CACHE_BACKEND", ""); v != "" {
		cfg.Cache.Backend = v
	}
	if v := getenv("APITAP_REDIS_ADDR", ""); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := getenv("APITAP_REDIS_PASSWORD", ""); v != "" {
		cfg.Cache.RedisPassword = v
	}
	setIntFromEnv("APITAP_REDIS_DB", func(n int) { cfg.Cache.RedisDB = n })
	if v := getenv("APITAP_REDIS_PREFIX", ""); v != "" {
		cfg.Cache.RedisPrefix = v
	}

	setIntFromEnv("APITAP_REPLAY_TIMEOUT_SEC", func(n int) { cfg.Replay.TimeoutSec = n })
	setIntFromEnv("APITAP_REPLAY_MAX_BYTES", func(n int) { cfg.Replay.MaxBytes = n })

	if v := getenv("APITAP_BLOCKED_DOMAINS", ""); v != "" {
		cfg.Capture.ExtraBlockedDomains = append(cfg.Capture.ExtraBlockedDomains, splitAndTrim(v, ",")...)
	}
}

// resolvePaths expands the base directory and derives the skills
// directory when it was not set explicitly.
func resolvePaths(cfg *Config) error {
	base := cfg.Storage.BaseDir
	if base == "" {
		base = filepath.Join("~", ".apitap")
	}
	if strings.HasPrefix(base, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		base = filepath.Join(home, strings.TrimPrefix(base, "~"))
	}
	cfg.Storage.BaseDir = base

	if cfg.Storage.SkillsDir == "" {
		cfg.Storage.SkillsDir = filepath.Join(base, "skills")
	}
	return nil
}
