package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"apitap/internal/oauth"
	"apitap/internal/skill"
)

type fakeRefresher struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, domain string, cfg *skill.OAuthConfig) (*oauth.Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &oauth.Result{Refreshed: true, TokenRotated: true}, nil
}

var testConfig = &skill.OAuthConfig{
	TokenEndpoint: "https://api.example.com/oauth/token",
	ClientID:      "web-client",
	GrantType:     "refresh_token",
}

func TestConcurrentRefreshesCollapseToOne(t *testing.T) {
	fake := &fakeRefresher{delay: 30 * time.Millisecond}
	d := NewDispatcher(fake)

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := d.Refresh(context.Background(), "api.example.com", testConfig)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, fake.calls.Load())
	for _, res := range results {
		require.NotNil(t, res)
		require.True(t, res.Success)
		require.True(t, res.OAuthRefreshed)
		require.True(t, res.TokenRotated)
	}
}

func TestDistinctDomainsRefreshIndependently(t *testing.T) {
	fake := &fakeRefresher{delay: 20 * time.Millisecond}
	d := NewDispatcher(fake)

	var wg sync.WaitGroup
	for _, domain := range []string{"a.example.com", "b.example.com"} {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			res, err := d.Refresh(context.Background(), domain, testConfig)
			require.NoError(t, err)
			require.True(t, res.Success)
		}(domain)
	}
	wg.Wait()

	require.EqualValues(t, 2, fake.calls.Load())
}

func TestWaiterHonorsOwnContext(t *testing.T) {
	fake := &fakeRefresher{delay: 150 * time.Millisecond}
	d := NewDispatcher(fake)

	ownerDone := make(chan *Result, 1)
	go func() {
		res, _ := d.Refresh(context.Background(), "api.example.com", testConfig)
		ownerDone <- res
	}()

	// Let the owner install its flight before the waiter joins.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Refresh(ctx, "api.example.com", testConfig)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The owner's refresh is unaffected by the waiter giving up.
	res := <-ownerDone
	require.True(t, res.Success)
	require.EqualValues(t, 1, fake.calls.Load())
}

func TestSequentialRefreshesEachRun(t *testing.T) {
	fake := &fakeRefresher{}
	d := NewDispatcher(fake)

	for i := 0; i < 3; i++ {
		res, err := d.Refresh(context.Background(), "api.example.com", testConfig)
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	require.EqualValues(t, 3, fake.calls.Load())
}

func TestOAuthFailureFoldsIntoResult(t *testing.T) {
	fake := &fakeRefresher{err: errors.New("token endpoint returned 400")}
	d := NewDispatcher(fake)

	res, err := d.Refresh(context.Background(), "api.example.com", testConfig)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Detail, "400")
}

func TestBrowserFallbackForBodyTokenDomains(t *testing.T) {
	d := NewDispatcher(nil)

	var got atomic.Value
	d.RegisterBrowserRefresh(func(ctx context.Context, domain string) error {
		got.Store(domain)
		return nil
	})

	res, err := d.Refresh(context.Background(), "shop.example.com", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.OAuthRefreshed)
	require.Equal(t, "shop.example.com", got.Load())
}

func TestNoMechanismYieldsFailure(t *testing.T) {
	d := NewDispatcher(nil)

	res, err := d.Refresh(context.Background(), "shop.example.com", nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Detail, "no refresh mechanism")
}
