// Package server assembles the HTTP serve surface: skill file CRUD,
// replay and browse endpoints, stats, Prometheus metrics, and the
// websocket capture feed.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"apitap/internal/browse"
	"apitap/internal/capture"
	"apitap/internal/config"
	"apitap/internal/constants"
	"apitap/internal/events"
	mw "apitap/internal/middleware"
	"apitap/internal/refresh"
	"apitap/internal/replay"
	"apitap/internal/skill/store"
	"apitap/internal/stats"
	"apitap/internal/vault"
)

// Dependencies carries the runtime services the routes are built over.
type Dependencies struct {
	Store      *store.Store
	Vault      *vault.Vault
	Engine     *replay.Engine
	Browser    *browse.Browser
	Dispatcher *refresh.Dispatcher
	Stats      *stats.Collector
	Feed       *capture.Feed
	Bus        *events.Hub
}

// BuildEngine constructs the gin engine with all routes registered.
func BuildEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(
		mw.RequestID(),
		mw.Recovery(),
		mw.RequestLogger(),
		mw.Metrics(),
		mw.CORS(),
	)

	h := &handler{cfg: cfg, deps: deps}

	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	engine.GET("/metrics", mw.MetricsHandler)

	v1 := engine.Group("/v1")
	v1.Use(mw.RateLimiterAutoKey(constants.ServeRPS, constants.ServeBurst))
	{
		v1.GET("/skills", h.listSkills)
		v1.GET("/skills/:domain", h.getSkill)
		v1.DELETE("/skills/:domain", h.deleteSkill)
		v1.POST("/skills/import", h.importSkill)
		v1.POST("/skills/:domain/verify", h.verifySkill)
		v1.POST("/replay", h.replay)
		v1.POST("/browse", h.browse)
		v1.GET("/stats", h.getStats)
	}

	if deps.Feed != nil {
		engine.GET("/capture/feed", h.captureFeed)
	}

	return engine
}
