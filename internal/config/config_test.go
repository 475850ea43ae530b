package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APITAP_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8782", cfg.Server.ListenAddr)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "memory", cfg.Cache.Backend)
	require.Equal(t, 5, cfg.Replay.TimeoutSec)
	require.True(t, cfg.Capture.ScrubPIIEnabled())
	require.Equal(t, filepath.Join(cfg.Storage.BaseDir, "skills"), cfg.Storage.SkillsDir)
}

func TestLoadYAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apitap.yaml")
	data := []byte(`
server:
  listen_addr: "0.0.0.0:9000"
logging:
  level: debug
capture:
  scrub_pii: false
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("APITAP_DIR", dir)
	t.Setenv("APITAP_LISTEN_ADDR", "127.0.0.1:7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	// env beats file
	require.Equal(t, "127.0.0.1:7777", cfg.Server.ListenAddr)
	// file beats defaults
	require.Equal(t, "debug", cfg.Logging.Level)
	require.False(t, cfg.Capture.ScrubPIIEnabled())
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	t.Setenv("APITAP_DIR", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestEnvToggleAndPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APITAP_DIR", dir)
	t.Setenv("APITAP_SKIP_SSRF_CHECK", "1")
	t.Setenv("APITAP_SKILLS_DIR", filepath.Join(dir, "elsewhere"))

	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.Security.SkipSSRFCheck)
	require.Equal(t, filepath.Join(dir, "elsewhere"), cfg.Storage.SkillsDir)
	require.Equal(t, filepath.Join(dir, "auth.enc"), cfg.AuthPath())
	require.Equal(t, filepath.Join(dir, "install-salt"), cfg.SaltPath())
	require.Equal(t, filepath.Join(dir, ".gitignore"), cfg.GitignorePath())
	require.Equal(t, filepath.Join(dir, "elsewhere", "x.tv.json"), cfg.SkillPath("x.tv"))
}
