package main

import (
	"strings"
	"time"

	"apitap/internal/browse"
	"apitap/internal/capture"
	"apitap/internal/config"
	"apitap/internal/netutil"
	"apitap/internal/oauth"
	"apitap/internal/refresh"
	"apitap/internal/replay"
	"apitap/internal/skill/store"
	"apitap/internal/vault"
)

// app holds the services every command is built over. The skill store
// and the vault share the base directory; first use creates it along
// with the install salt and signing key.
type app struct {
	cfg        *config.Config
	store      *store.Store
	vault      *vault.Vault
	policy     *netutil.Policy
	dispatcher *refresh.Dispatcher
	engine     *replay.Engine
}

func newApp(cfg *config.Config) (*app, error) {
	policy := netutil.NewPolicy(cfg.Security.SkipSSRFCheck)

	st, err := store.New(cfg.Storage.BaseDir, cfg.Storage.SkillsDir, policy)
	if err != nil {
		return nil, err
	}
	v, err := vault.New(cfg.Storage.BaseDir, vault.WithMachineID(cfg.Security.MachineID))
	if err != nil {
		return nil, err
	}

	dispatcher := refresh.NewDispatcher(oauth.NewRefresher(v, policy))

	return &app{
		cfg:        cfg,
		store:      st,
		vault:      v,
		policy:     policy,
		dispatcher: dispatcher,
		engine:     replay.NewEngine(v, policy, dispatcher),
	}, nil
}

// replayOpts seeds replay options with the configured defaults. Command
// flags override individual fields.
func (a *app) replayOpts() replay.Options {
	opts := replay.Options{MaxBytes: a.cfg.Replay.MaxBytes}
	if a.cfg.Replay.TimeoutSec > 0 {
		opts.Timeout = time.Duration(a.cfg.Replay.TimeoutSec) * time.Second
	}
	return opts
}

// buildCache picks the browse session cache. Redis shares results
// across invocations and processes; memory lives and dies with one.
func (a *app) buildCache() browse.Cache {
	if strings.EqualFold(a.cfg.Cache.Backend, "redis") && a.cfg.Cache.RedisAddr != "" {
		return browse.NewRedisCache(
			a.cfg.Cache.RedisAddr,
			a.cfg.Cache.RedisPassword,
			a.cfg.Cache.RedisDB,
			a.cfg.Cache.RedisPrefix+"browse:",
		)
	}
	return browse.NewMemoryCache(0)
}

func (a *app) buildBrowser(cache browse.Cache) *browse.Browser {
	opts := []browse.BrowserOption{browse.WithCache(cache)}
	if a.cfg.Cache.TTLSeconds > 0 {
		opts = append(opts, browse.WithTTL(time.Duration(a.cfg.Cache.TTLSeconds)*time.Second))
	}
	return browse.NewBrowser(a.store, a.engine, opts...)
}

func (a *app) captureFilter() *capture.Filter {
	return &capture.Filter{Extra: a.cfg.Capture.ExtraBlockedDomains}
}
