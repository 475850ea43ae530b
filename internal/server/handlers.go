package server

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"apitap/internal/apierr"
	"apitap/internal/browse"
	"apitap/internal/config"
	"apitap/internal/constants"
	"apitap/internal/replay"
)

type handler struct {
	cfg  *config.Config
	deps Dependencies
}

func abortErr(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	if kind == "" {
		kind = "internal"
	}
	c.AbortWithStatusJSON(apierr.HTTPStatus(err), gin.H{
		"error": gin.H{
			"message": err.Error(),
			"kind":    string(kind),
		},
	})
}

func abortNotFound(c *gin.Context, domain string) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
		"error": gin.H{
			"message": "no skill file for domain " + domain,
			"kind":    "not_found",
		},
	})
}

// skillExists distinguishes a missing file (404) from a file that fails
// validation (which Read reports with a kinded error).
func (h *handler) skillExists(domain string) bool {
	_, err := os.Stat(h.deps.Store.Path(domain))
	return err == nil
}

func (h *handler) listSkills(c *gin.Context) {
	domains, err := h.deps.Store.List()
	if err != nil {
		abortErr(c, err)
		return
	}
	if domains == nil {
		domains = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"domains": domains, "count": len(domains)})
}

func (h *handler) getSkill(c *gin.Context) {
	domain := c.Param("domain")
	if !h.skillExists(domain) {
		abortNotFound(c, domain)
		return
	}
	sf, err := h.deps.Store.Read(domain, true)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sf)
}

func (h *handler) deleteSkill(c *gin.Context) {
	domain := c.Param("domain")
	if !h.skillExists(domain) {
		abortNotFound(c, domain)
		return
	}
	if err := h.deps.Store.Delete(domain); err != nil {
		abortErr(c, err)
		return
	}
	log.WithField("domain", domain).Info("server: skill file deleted")
	c.JSON(http.StatusOK, gin.H{"deleted": domain})
}

func (h *handler) importSkill(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, constants.SkillImportCap))
	if err != nil {
		abortErr(c, apierr.Wrap(apierr.KindIO, "server: failed to read import body", err))
		return
	}
	sf, err := h.deps.Store.Import(data)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"domain":    sf.Domain,
		"endpoints": len(sf.Endpoints),
	})
}

func (h *handler) verifySkill(c *gin.Context) {
	domain := c.Param("domain")
	if !h.skillExists(domain) {
		abortNotFound(c, domain)
		return
	}
	sf, err := h.deps.Store.Read(domain, true)
	if err != nil {
		abortErr(c, err)
		return
	}

	verifications := h.deps.Engine.VerifyEndpoints(c.Request.Context(), sf, replay.Options{})
	if err := h.deps.Store.Write(sf); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domain":        domain,
		"verifications": verifications,
	})
}

type replayRequest struct {
	Domain     string                `json:"domain"`
	EndpointID string                `json:"endpointId"`
	Params     map[string]any        `json:"params"`
	Fresh      bool                  `json:"fresh"`
	MaxBytes   int                   `json:"maxBytes"`
	TimeoutSec int                   `json:"timeoutSec"`
	Calls      []replay.BatchRequest `json:"calls"`
}

func (r *replayRequest) options() replay.Options {
	return replay.Options{
		Params:   r.Params,
		Fresh:    r.Fresh,
		MaxBytes: r.MaxBytes,
		Timeout:  time.Duration(r.TimeoutSec) * time.Second,
	}
}

// replay serves both shapes: a single call (domain + endpointId) and a
// batch ({"calls": [...]}).
func (h *handler) replay(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, apierr.Wrap(apierr.KindInput, "server: invalid replay request", err))
		return
	}

	if len(req.Calls) > 0 {
		results := h.deps.Engine.ReplayMultiple(c.Request.Context(), h.deps.Store, req.Calls, req.options())
		c.JSON(http.StatusOK, gin.H{"results": results})
		return
	}

	if req.Domain == "" || req.EndpointID == "" {
		abortErr(c, apierr.Inputf("server: replay needs domain and endpointId, or a calls array"))
		return
	}
	sf, err := h.deps.Store.Read(req.Domain, true)
	if err != nil {
		abortErr(c, err)
		return
	}
	res, err := h.deps.Engine.Replay(c.Request.Context(), sf, req.EndpointID, req.options())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domain":     req.Domain,
		"endpointId": req.EndpointID,
		"result":     res,
	})
}

type browseRequest struct {
	URL      string         `json:"url"`
	Params   map[string]any `json:"params"`
	Fresh    bool           `json:"fresh"`
	NoCache  bool           `json:"noCache"`
	MaxBytes int            `json:"maxBytes"`
}

// browse returns the envelope with HTTP 200 even when the domain is not
// usable yet; Success=false plus guidance is an answer, not a failure.
func (h *handler) browse(c *gin.Context) {
	var req browseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, apierr.Wrap(apierr.KindInput, "server: invalid browse request", err))
		return
	}
	res, err := h.deps.Browser.Browse(c.Request.Context(), req.URL, browse.Options{
		Params:   req.Params,
		Fresh:    req.Fresh,
		MaxBytes: req.MaxBytes,
		NoCache:  req.NoCache,
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) getStats(c *gin.Context) {
	snap, err := h.deps.Stats.Snapshot()
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) captureFeed(c *gin.Context) {
	h.deps.Feed.HandleWS(c.Writer, c.Request)
}
