package config

import "path/filepath"

// SaltPath is the per-install random salt consumed by key derivation.
func (c *Config) SaltPath() string {
	return filepath.Join(c.Storage.BaseDir, "install-salt")
}

// AuthPath is the encrypted credential file.
func (c *Config) AuthPath() string {
	return filepath.Join(c.Storage.BaseDir, "auth.enc")
}

// SigningKeyPath is the HMAC key used to sign skill files.
func (c *Config) SigningKeyPath() string {
	return filepath.Join(c.Storage.BaseDir, "signing.key")
}

// GitignorePath sits one level above the skills directory so that a
// checked-in skills folder never drags credentials along.
func (c *Config) GitignorePath() string {
	return filepath.Join(c.Storage.BaseDir, ".gitignore")
}

// SkillPath maps a validated domain to its skill file.
func (c *Config) SkillPath(domain string) string {
	return filepath.Join(c.Storage.SkillsDir, domain+".json")
}
