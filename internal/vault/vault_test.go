package vault

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, machineID string) (*Vault, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := New(dir, WithMachineID(machineID))
	require.NoError(t, err)
	return v, dir
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	v, _ := newTestVault(t, "machine-a")

	auth := &StoredAuth{Type: AuthTypeBearer, Value: "Bearer abc123"}
	require.NoError(t, v.Store("api.example.com", auth))

	got := v.Retrieve("api.example.com")
	require.NotNil(t, got)
	require.Equal(t, AuthTypeBearer, got.Type)
	require.Equal(t, "Bearer abc123", got.Value)

	require.True(t, v.Has("api.example.com"))
	require.False(t, v.Has("other.example.com"))
	require.Nil(t, v.Retrieve("other.example.com"))
}

func TestDomainKeysAreNormalized(t *testing.T) {
	v, _ := newTestVault(t, "machine-a")

	require.NoError(t, v.Store("API.Example.COM", &StoredAuth{Type: AuthTypeCustom, Value: "x"}))
	require.NotNil(t, v.Retrieve("api.example.com"))
	require.Equal(t, []string{"api.example.com"}, v.ListDomains())
}

func TestWrongMachineReadsAsEmpty(t *testing.T) {
	dir := t.TempDir()

	a, err := New(dir, WithMachineID("machine-a"))
	require.NoError(t, err)
	require.NoError(t, a.Store("api.example.com", &StoredAuth{Type: AuthTypeBearer, Value: "secret"}))

	b, err := New(dir, WithMachineID("machine-b"))
	require.NoError(t, err)
	require.Nil(t, b.Retrieve("api.example.com"))
	require.False(t, b.Has("api.example.com"))
	require.Empty(t, b.ListDomains())
}

func TestTamperedStoreReadsAsEmpty(t *testing.T) {
	v, dir := newTestVault(t, "machine-a")
	require.NoError(t, v.Store("api.example.com", &StoredAuth{Type: AuthTypeBearer, Value: "secret"}))

	path := filepath.Join(dir, "auth.enc")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xff
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)
	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	require.Nil(t, v.Retrieve("api.example.com"))
}

func TestEnvelopeShapeAndPermissions(t *testing.T) {
	v, dir := newTestVault(t, "machine-a")
	require.NoError(t, v.Store("api.example.com", &StoredAuth{Type: AuthTypeBearer, Value: "x"}))

	authPath := filepath.Join(dir, "auth.enc")
	data, err := os.ReadFile(authPath)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NotEmpty(t, env.Salt)
	require.NotEmpty(t, env.IV)
	require.NotEmpty(t, env.Ciphertext)
	require.NotEmpty(t, env.Tag)

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	require.NoError(t, err)
	require.Len(t, iv, 16)

	info, err := os.Stat(authPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	saltInfo, err := os.Stat(filepath.Join(dir, "install-salt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), saltInfo.Mode().Perm())
	require.Equal(t, int64(32), saltInfo.Size())
}

func TestStoreTokensPreservesSiblings(t *testing.T) {
	v, _ := newTestVault(t, "machine-a")
	require.NoError(t, v.Store("app.example.com", &StoredAuth{Type: AuthTypeBearer, Value: "Bearer abc"}))

	now := time.Now().UTC()
	require.NoError(t, v.StoreTokens("app.example.com", map[string]SessionToken{
		"csrf_token": {Value: "tok-1", RefreshedAt: now},
	}))

	got := v.Retrieve("app.example.com")
	require.NotNil(t, got)
	require.Equal(t, "Bearer abc", got.Value)
	require.Equal(t, "tok-1", got.Tokens["csrf_token"].Value)

	require.NoError(t, v.StoreTokens("app.example.com", map[string]SessionToken{
		"csrf_token": {Value: "tok-2", RefreshedAt: now},
		"nonce":      {Value: "n-1", RefreshedAt: now},
	}))
	got = v.Retrieve("app.example.com")
	require.Equal(t, "tok-2", got.Tokens["csrf_token"].Value)
	require.Equal(t, "n-1", got.Tokens["nonce"].Value)
	require.Equal(t, "Bearer abc", got.Value)
}

func TestStoreTokensCreatesRecordWhenAbsent(t *testing.T) {
	v, _ := newTestVault(t, "machine-a")
	require.NoError(t, v.StoreTokens("fresh.example.com", map[string]SessionToken{
		"xsrf": {Value: "v", RefreshedAt: time.Now()},
	}))

	got := v.Retrieve("fresh.example.com")
	require.NotNil(t, got)
	require.Equal(t, AuthTypeCustom, got.Type)
	require.Equal(t, "v", v.RetrieveTokens("fresh.example.com")["xsrf"].Value)
}

func TestStoreOAuthCredentialsPartialMerge(t *testing.T) {
	v, _ := newTestVault(t, "machine-a")

	require.NoError(t, v.StoreOAuthCredentials("id.example.com", OAuthCredentials{
		RefreshToken: "refresh-1",
		ClientSecret: "secret-1",
	}))
	require.NoError(t, v.StoreOAuthCredentials("id.example.com", OAuthCredentials{
		RefreshToken: "refresh-2",
	}))

	creds := v.RetrieveOAuthCredentials("id.example.com")
	require.NotNil(t, creds)
	require.Equal(t, "refresh-2", creds.RefreshToken)
	require.Equal(t, "secret-1", creds.ClientSecret)
}

func TestSessionFallbackWalksSuffixes(t *testing.T) {
	v, _ := newTestVault(t, "machine-a")
	session := &BrowserSession{
		Cookies: []Cookie{{Name: "sid", Value: "s3cr3t"}},
		SavedAt: time.Now().UTC(),
	}
	require.NoError(t, v.StoreSession("example.com", session))

	got, from := v.RetrieveSessionWithFallback("dashboard.example.com")
	require.NotNil(t, got)
	require.Equal(t, "example.com", from)
	require.Equal(t, "sid", got.Cookies[0].Name)

	got, from = v.RetrieveSessionWithFallback("example.com")
	require.NotNil(t, got)
	require.Equal(t, "example.com", from)

	got, _ = v.RetrieveSessionWithFallback("other.com")
	require.Nil(t, got)

	// Single-label suffixes are never consulted.
	require.NoError(t, v.StoreSession("com", &BrowserSession{SavedAt: time.Now()}))
	got, from = v.RetrieveSessionWithFallback("nothing.stored.here.net")
	require.Nil(t, got)
	require.Empty(t, from)
}

func TestClearRemovesOnlyTarget(t *testing.T) {
	v, _ := newTestVault(t, "machine-a")
	require.NoError(t, v.Store("a.example.com", &StoredAuth{Type: AuthTypeCustom, Value: "a"}))
	require.NoError(t, v.Store("b.example.com", &StoredAuth{Type: AuthTypeCustom, Value: "b"}))

	require.NoError(t, v.Clear("a.example.com"))
	require.Nil(t, v.Retrieve("a.example.com"))
	require.NotNil(t, v.Retrieve("b.example.com"))

	require.NoError(t, v.ClearAll())
	require.Empty(t, v.ListDomains())
}

func TestUpdateAppliesUnderOneLock(t *testing.T) {
	v, _ := newTestVault(t, "machine-a")
	require.NoError(t, v.Store("api.example.com", &StoredAuth{Type: AuthTypeBearer, Value: "Bearer old"}))

	err := v.Update("api.example.com", func(auth *StoredAuth) *StoredAuth {
		require.NotNil(t, auth)
		auth.Value = "Bearer new"
		return auth
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer new", v.Retrieve("api.example.com").Value)

	// Returning nil leaves the record untouched.
	err = v.Update("api.example.com", func(auth *StoredAuth) *StoredAuth { return nil })
	require.NoError(t, err)
	require.Equal(t, "Bearer new", v.Retrieve("api.example.com").Value)
}

func TestHeaderValueSubstitution(t *testing.T) {
	bearer := &StoredAuth{Type: AuthTypeBearer, Value: "abc123"}
	got, ok := bearer.HeaderValue("Authorization")
	require.True(t, ok)
	require.Equal(t, "Bearer abc123", got)

	prefixed := &StoredAuth{Type: AuthTypeBearer, Value: "Bearer xyz"}
	got, ok = prefixed.HeaderValue("authorization")
	require.True(t, ok)
	require.Equal(t, "Bearer xyz", got)

	apiKey := &StoredAuth{Type: AuthTypeAPIKey, Value: "key-1"}
	got, ok = apiKey.HeaderValue("X-Api-Key")
	require.True(t, ok)
	require.Equal(t, "key-1", got)

	custom := &StoredAuth{Type: AuthTypeCustom, HeaderName: "X-Internal-Token", Value: "t"}
	got, ok = custom.HeaderValue("x-internal-token")
	require.True(t, ok)
	require.Equal(t, "t", got)
	_, ok = custom.HeaderValue("authorization")
	require.False(t, ok)

	cookie := &StoredAuth{Type: AuthTypeCookie, Session: &BrowserSession{
		Cookies: []Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}},
	}}
	got, ok = cookie.HeaderValue("Cookie")
	require.True(t, ok)
	require.Equal(t, "a=1; b=2", got)

	var missing *StoredAuth
	_, ok = missing.HeaderValue("authorization")
	require.False(t, ok)
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now().UTC()

	fresh := &BrowserSession{SavedAt: now.Add(-time.Minute), MaxAgeMs: int64(time.Hour / time.Millisecond)}
	require.False(t, fresh.Expired(now))

	stale := &BrowserSession{SavedAt: now.Add(-2 * time.Hour), MaxAgeMs: int64(time.Hour / time.Millisecond)}
	require.True(t, stale.Expired(now))

	forever := &BrowserSession{SavedAt: now.Add(-240 * time.Hour)}
	require.False(t, forever.Expired(now))
}
