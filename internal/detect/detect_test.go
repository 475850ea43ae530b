package detect

import (
	"encoding/base64"
	"testing"
	"time"

	"apitap/internal/models"

	"github.com/stretchr/testify/require"
)

func exchange(method, url string, headers map[string]string, body string) *models.CapturedExchange {
	return &models.CapturedExchange{
		URL:            url,
		Method:         method,
		RequestHeaders: headers,
		RequestBody:    []byte(body),
		Timestamp:      time.Now(),
	}
}

func TestIsGraphQL(t *testing.T) {
	require.True(t, IsGraphQL(exchange("POST", "https://api.x.com/graphql", nil, "")))
	require.True(t, IsGraphQL(exchange("POST", "https://api.x.com/q",
		map[string]string{"Content-Type": "application/graphql"}, "query { me }")))
	require.True(t, IsGraphQL(exchange("POST", "https://api.x.com/q", nil,
		`{"query":"query GetUser { user { id } }"}`)))

	require.False(t, IsGraphQL(exchange("POST", "https://api.x.com/items", nil, `{"name":"x"}`)))
	require.False(t, IsGraphQL(exchange("GET", "https://api.x.com/items?graphql=1", nil, "")))
}

func TestGraphQLOperationName(t *testing.T) {
	ex := exchange("POST", "https://x.com/graphql", nil,
		`{"operationName":"ListItems","query":"query ListItems { items { id } }"}`)
	require.Equal(t, "ListItems", GraphQLOperationName(ex))

	ex = exchange("POST", "https://x.com/graphql", nil,
		`{"query":"mutation CreateOrder($in: OrderInput!) { createOrder(input: $in) { id } }"}`)
	require.Equal(t, "CreateOrder", GraphQLOperationName(ex))

	ex = exchange("POST", "https://x.com/graphql", nil, `{"query":"{ viewer { login } }"}`)
	require.Equal(t, AnonymousOperation, GraphQLOperationName(ex))
}

func TestDetectOAuthTokenRequestForm(t *testing.T) {
	ex := exchange("POST", "https://auth.example.com/oauth/token?debug=1",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		"grant_type=refresh_token&client_id=app-1&refresh_token=rt_12345&scope=read")

	got := DetectOAuthTokenRequest(ex)
	require.NotNil(t, got)
	require.Equal(t, "https://auth.example.com/oauth/token", got.TokenEndpoint)
	require.Equal(t, "app-1", got.ClientID)
	require.Equal(t, GrantRefreshToken, got.GrantType)
	require.Equal(t, "rt_12345", got.RefreshToken)
	require.Equal(t, "read", got.Scope)
}

func TestDetectOAuthTokenRequestJSON(t *testing.T) {
	ex := exchange("POST", "https://api.example.com/token",
		map[string]string{"Content-Type": "application/json"},
		`{"grant_type":"client_credentials","client_id":"svc","client_secret":"shh"}`)

	got := DetectOAuthTokenRequest(ex)
	require.NotNil(t, got)
	require.Equal(t, GrantClientCredentials, got.GrantType)
	require.Equal(t, "svc", got.ClientID)
	require.Equal(t, "shh", got.ClientSecret)
}

func TestDetectOAuthTokenRequestBasicAuth(t *testing.T) {
	creds := base64.StdEncoding.EncodeToString([]byte("basic-app:basic-secret"))
	ex := exchange("POST", "https://auth.example.com/token",
		map[string]string{"Authorization": "Basic " + creds},
		"grant_type=refresh_token&refresh_token=rt_9")

	got := DetectOAuthTokenRequest(ex)
	require.NotNil(t, got)
	require.Equal(t, "basic-app", got.ClientID)
	require.Equal(t, "basic-secret", got.ClientSecret)
}

func TestDetectOAuthTokenRequestGrantInQuery(t *testing.T) {
	ex := exchange("POST", "https://auth.example.com/oauth/access?grant_type=client_credentials",
		nil, "client_id=app-2")

	got := DetectOAuthTokenRequest(ex)
	require.NotNil(t, got)
	require.Equal(t, GrantClientCredentials, got.GrantType)
	require.Equal(t, "https://auth.example.com/oauth/access", got.TokenEndpoint)
}

func TestDetectOAuthTokenRequestRejections(t *testing.T) {
	// wrong method
	require.Nil(t, DetectOAuthTokenRequest(exchange("GET",
		"https://auth.example.com/token?grant_type=refresh_token&client_id=a", nil, "")))
	// URL without /token or /oauth
	require.Nil(t, DetectOAuthTokenRequest(exchange("POST",
		"https://api.example.com/login", nil, "grant_type=refresh_token&client_id=a")))
	// authorization_code is not reproducible
	require.Nil(t, DetectOAuthTokenRequest(exchange("POST",
		"https://auth.example.com/token", nil, "grant_type=authorization_code&client_id=a&code=xyz")))
	// missing client_id everywhere
	require.Nil(t, DetectOAuthTokenRequest(exchange("POST",
		"https://auth.example.com/token", nil, "grant_type=refresh_token&refresh_token=rt")))
}
