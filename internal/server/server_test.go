package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"apitap/internal/browse"
	"apitap/internal/capture"
	"apitap/internal/config"
	"apitap/internal/events"
	"apitap/internal/netutil"
	"apitap/internal/replay"
	"apitap/internal/skill"
	"apitap/internal/skill/store"
	"apitap/internal/stats"
)

func newTestServer(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	st, err := store.New(dir, filepath.Join(dir, "skills"), netutil.NewPolicy(true))
	require.NoError(t, err)

	engine := replay.NewEngine(nil, netutil.NewPolicy(true), nil)
	bus := events.NewHub()
	deps := Dependencies{
		Store:   st,
		Engine:  engine,
		Browser: browse.NewBrowser(st, engine),
		Stats:   stats.NewCollector(st),
		Feed:    capture.NewFeed(st, nil, bus, &capture.Filter{}),
		Bus:     bus,
	}
	return BuildEngine(&config.Config{}, deps), st
}

func serverSkill(domain, baseURL string, eps ...*skill.Endpoint) *skill.SkillFile {
	return &skill.SkillFile{
		Version:    skill.SchemaVersion,
		Domain:     domain,
		BaseURL:    baseURL,
		CapturedAt: time.Date(2026, 2, 12, 8, 0, 0, 0, time.UTC),
		Endpoints:  eps,
	}
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthzAndMetricsRoutes(t *testing.T) {
	engine, _ := newTestServer(t)

	w := doJSON(t, engine, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", w.Body.String())

	w = doJSON(t, engine, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "# HELP")
}

func TestListSkills(t *testing.T) {
	engine, st := newTestServer(t)

	w := doJSON(t, engine, http.MethodGet, "/v1/skills", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, float64(0), body["count"])
	require.Equal(t, []any{}, body["domains"])

	require.NoError(t, st.Write(serverSkill("shop.example.com", "https://shop.example.com",
		&skill.Endpoint{ID: "ep-1", Method: "GET", Path: "/api/items"},
	)))

	w = doJSON(t, engine, http.MethodGet, "/v1/skills", nil)
	body = decodeBody(t, w)
	require.Equal(t, float64(1), body["count"])
	require.Equal(t, []any{"shop.example.com"}, body["domains"])
}

func TestGetSkill(t *testing.T) {
	engine, st := newTestServer(t)
	require.NoError(t, st.Write(serverSkill("shop.example.com", "https://shop.example.com",
		&skill.Endpoint{ID: "ep-1", Method: "GET", Path: "/api/items"},
	)))

	w := doJSON(t, engine, http.MethodGet, "/v1/skills/shop.example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "shop.example.com", body["domain"])

	w = doJSON(t, engine, http.MethodGet, "/v1/skills/unknown.example.com", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	require.Equal(t, "not_found", errObj["kind"])
}

func TestDeleteSkill(t *testing.T) {
	engine, st := newTestServer(t)
	require.NoError(t, st.Write(serverSkill("shop.example.com", "https://shop.example.com",
		&skill.Endpoint{ID: "ep-1", Method: "GET", Path: "/api/items"},
	)))

	w := doJSON(t, engine, http.MethodDelete, "/v1/skills/shop.example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, engine, http.MethodDelete, "/v1/skills/shop.example.com", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	domains, err := st.List()
	require.NoError(t, err)
	require.Empty(t, domains)
}

func TestImportSkill(t *testing.T) {
	engine, st := newTestServer(t)

	imported := serverSkill("feed.example.com", "https://feed.example.com",
		&skill.Endpoint{ID: "ep-feed", Method: "GET", Path: "/api/feed"},
	)
	w := doJSON(t, engine, http.MethodPost, "/v1/skills/import", imported)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "feed.example.com", body["domain"])
	require.Equal(t, float64(1), body["endpoints"])

	sf, err := st.Read("feed.example.com", true)
	require.NoError(t, err)
	require.Equal(t, skill.ProvenanceImported, sf.Provenance)
}

func TestImportSkillRejectsGarbage(t *testing.T) {
	engine, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/skills/import", bytes.NewReader([]byte("{nope")))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReplaySingleCall(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[1,2,3]}`))
	}))
	defer upstream.Close()

	engine, st := newTestServer(t)
	require.NoError(t, st.Write(serverSkill("127.0.0.1", upstream.URL,
		&skill.Endpoint{ID: "ep-items", Method: "GET", Path: "/api/items"},
	)))

	w := doJSON(t, engine, http.MethodPost, "/v1/replay", map[string]any{
		"domain":     "127.0.0.1",
		"endpointId": "ep-items",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "ep-items", body["endpointId"])
	result := body["result"].(map[string]any)
	require.Equal(t, float64(200), result["status"])
}

func TestReplayBatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	engine, st := newTestServer(t)
	require.NoError(t, st.Write(serverSkill("127.0.0.1", upstream.URL,
		&skill.Endpoint{ID: "ep-a", Method: "GET", Path: "/api/a"},
		&skill.Endpoint{ID: "ep-b", Method: "GET", Path: "/api/b"},
	)))

	w := doJSON(t, engine, http.MethodPost, "/v1/replay", map[string]any{
		"calls": []map[string]any{
			{"domain": "127.0.0.1", "endpointId": "ep-a"},
			{"domain": "127.0.0.1", "endpointId": "ep-b"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	results := decodeBody(t, w)["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	require.Equal(t, "ep-a", first["endpointId"])
	require.Equal(t, float64(200), first["status"])
}

func TestReplayRequiresTarget(t *testing.T) {
	engine, _ := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/replay", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	errObj := decodeBody(t, w)["error"].(map[string]any)
	require.Equal(t, "input", errObj["kind"])
}

func TestBrowseRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hello":"world"}`))
	}))
	defer upstream.Close()

	engine, st := newTestServer(t)
	require.NoError(t, st.Write(serverSkill("127.0.0.1", upstream.URL,
		&skill.Endpoint{ID: "ep-data", Method: "GET", Path: "/api/data"},
	)))

	w := doJSON(t, engine, http.MethodPost, "/v1/browse", map[string]any{
		"url": upstream.URL + "/api/data",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, true, body["success"])
	require.Equal(t, map[string]any{"hello": "world"}, body["data"])
}

func TestBrowseRouteReturnsGuidance(t *testing.T) {
	engine, _ := newTestServer(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/browse", map[string]any{
		"url": "https://unknown.example.com/api/items",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, false, body["success"])
	require.Equal(t, "no_skill_file", body["reason"])
}

func TestVerifyRouteRewritesTiers(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	engine, st := newTestServer(t)
	require.NoError(t, st.Write(serverSkill("127.0.0.1", upstream.URL,
		&skill.Endpoint{ID: "ep-data", Method: "GET", Path: "/api/data"},
	)))

	w := doJSON(t, engine, http.MethodPost, "/v1/skills/127.0.0.1/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	verifications := decodeBody(t, w)["verifications"].([]any)
	require.Len(t, verifications, 1)
	v := verifications[0].(map[string]any)
	require.Equal(t, skill.TierGreen, v["tier"])

	sf, err := st.Read("127.0.0.1", true)
	require.NoError(t, err)
	require.Equal(t, skill.TierGreen, sf.Endpoints[0].Tier.Level)
	require.True(t, sf.Endpoints[0].Tier.Verified)
}

func TestStatsRoute(t *testing.T) {
	engine, st := newTestServer(t)
	require.NoError(t, st.Write(serverSkill("shop.example.com", "https://shop.example.com",
		&skill.Endpoint{ID: "ep-1", Method: "GET", Path: "/api/items"},
		&skill.Endpoint{ID: "ep-2", Method: "GET", Path: "/api/cart"},
	)))

	w := doJSON(t, engine, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, float64(1), body["skillFiles"])
	require.Equal(t, float64(2), body["endpoints"])
}

func TestCaptureFeedRouteNeedsUpgrade(t *testing.T) {
	engine, _ := newTestServer(t)

	// A plain GET is not a websocket handshake; the upgrader rejects it.
	w := doJSON(t, engine, http.MethodGet, "/capture/feed?role=driver&domain=shop.example.com", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
