package replay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"apitap/internal/skill"
)

type fakeLoader struct {
	mu    sync.Mutex
	reads map[string]int
	files map[string]*skill.SkillFile
	errs  map[string]error
}

func (l *fakeLoader) Read(domain string, _ bool) (*skill.SkillFile, error) {
	l.mu.Lock()
	if l.reads == nil {
		l.reads = make(map[string]int)
	}
	l.reads[domain]++
	l.mu.Unlock()

	if err := l.errs[domain]; err != nil {
		return nil, err
	}
	sf, ok := l.files[domain]
	if !ok {
		return nil, errors.New("no skill file for " + domain)
	}
	return sf, nil
}

func (l *fakeLoader) readCount(domain string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads[domain]
}

func TestReplayMultipleKeepsOrderAndLoadsOncePerDomain(t *testing.T) {
	mux := http.NewServeMux()
	for _, route := range []struct{ path, body string }{
		{"/alpha/one", `{"src":"alpha-one"}`},
		{"/alpha/two", `{"src":"alpha-two"}`},
		{"/beta/one", `{"src":"beta-one"}`},
	} {
		body := route.body
		mux.HandleFunc(route.path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	capturedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	alpha := baseSkill("alpha.test", "http://alpha.test",
		&skill.Endpoint{ID: "get-one", Method: http.MethodGet, Path: "/alpha/one",
			Tier: &skill.Tier{Level: skill.TierGreen, Verified: true}},
		&skill.Endpoint{ID: "get-two", Method: http.MethodGet, Path: "/alpha/two"},
	)
	alpha.CapturedAt = capturedAt
	beta := baseSkill("beta.test", "http://beta.test",
		&skill.Endpoint{ID: "get-one", Method: http.MethodGet, Path: "/beta/one"})

	loader := &fakeLoader{
		files: map[string]*skill.SkillFile{"alpha.test": alpha, "beta.test": beta},
		errs:  map[string]error{"gone.test": errors.New("skill file not found")},
	}

	e := NewEngine(nil, publicPolicy(), nil, WithHTTPClient(rewriteClient(srv)))
	results := e.ReplayMultiple(context.Background(), loader, []BatchRequest{
		{Domain: "alpha.test", EndpointID: "get-one"},
		{Domain: "beta.test", EndpointID: "get-one"},
		{Domain: "gone.test", EndpointID: "get-x"},
		{Domain: "alpha.test", EndpointID: "get-two"},
		{Domain: "beta.test", EndpointID: "get-missing"},
	}, Options{})

	require.Len(t, results, 5)

	require.Equal(t, "alpha.test", results[0].Domain)
	require.Equal(t, "get-one", results[0].EndpointID)
	require.Equal(t, http.StatusOK, results[0].Status)
	require.Equal(t, map[string]any{"src": "alpha-one"}, results[0].Data)
	require.Equal(t, skill.TierGreen, results[0].Tier)
	require.Equal(t, capturedAt, results[0].CapturedAt)

	require.Equal(t, "beta.test", results[1].Domain)
	require.Equal(t, map[string]any{"src": "beta-one"}, results[1].Data)
	require.Equal(t, skill.TierUnknown, results[1].Tier)

	require.Equal(t, "skill file not found", results[2].Error)
	require.Zero(t, results[2].Status)

	require.Equal(t, map[string]any{"src": "alpha-two"}, results[3].Data)

	require.Contains(t, results[4].Error, "get-missing")
	require.Zero(t, results[4].Status)

	require.Equal(t, 1, loader.readCount("alpha.test"))
	require.Equal(t, 1, loader.readCount("beta.test"))
	require.Equal(t, 1, loader.readCount("gone.test"))
}

func TestReplayMultipleEmptyBatch(t *testing.T) {
	e := NewEngine(nil, publicPolicy(), nil)
	results := e.ReplayMultiple(context.Background(), &fakeLoader{}, nil, Options{})
	require.Empty(t, results)
}
