package detect

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"apitap/internal/models"

	"github.com/tidwall/gjson"
)

// Grant types a replay can reproduce on its own. authorization_code is
// deliberately absent: the initial user consent cannot be replayed.
const (
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// OAuthCapture is an OAuth token request observed during capture.
type OAuthCapture struct {
	TokenEndpoint string `json:"tokenEndpoint"`
	ClientID      string `json:"clientId"`
	GrantType     string `json:"grantType"`
	Scope         string `json:"scope,omitempty"`
	ClientSecret  string `json:"clientSecret,omitempty"`
	RefreshToken  string `json:"refreshToken,omitempty"`
}

// DetectOAuthTokenRequest inspects a captured POST for an OAuth token
// exchange and returns its parameters, or nil when the exchange is not
// a reproducible token request.
func DetectOAuthTokenRequest(ex *models.CapturedExchange) *OAuthCapture {
	if !strings.EqualFold(ex.Method, http.MethodPost) {
		return nil
	}
	lowerURL := strings.ToLower(ex.URL)
	if !strings.Contains(lowerURL, "/token") && !strings.Contains(lowerURL, "/oauth") {
		return nil
	}
	u, err := url.Parse(ex.URL)
	if err != nil {
		return nil
	}

	fields := tokenRequestFields(ex)

	grantType := fields["grant_type"]
	if grantType == "" {
		grantType = u.Query().Get("grant_type")
	}
	if grantType != GrantRefreshToken && grantType != GrantClientCredentials {
		return nil
	}

	clientID := fields["client_id"]
	clientSecret := fields["client_secret"]
	if clientID == "" {
		clientID, clientSecret = basicAuthCredentials(ex, clientSecret)
	}
	if clientID == "" {
		return nil
	}

	endpoint := *u
	endpoint.RawQuery = ""
	endpoint.Fragment = ""

	return &OAuthCapture{
		TokenEndpoint: endpoint.String(),
		ClientID:      clientID,
		GrantType:     grantType,
		Scope:         fields["scope"],
		ClientSecret:  clientSecret,
		RefreshToken:  fields["refresh_token"],
	}
}

// tokenRequestFields parses the request body as JSON when the content
// type says so and as a form otherwise.
func tokenRequestFields(ex *models.CapturedExchange) map[string]string {
	fields := make(map[string]string)
	body := ex.RequestBody
	if len(body) == 0 {
		return fields
	}

	if ex.RequestContentType() == "application/json" && gjson.ValidBytes(body) {
		gjson.ParseBytes(body).ForEach(func(k, v gjson.Result) bool {
			if v.Type == gjson.String {
				fields[k.Str] = v.Str
			}
			return true
		})
		return fields
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return fields
	}
	for k := range values {
		fields[k] = values.Get(k)
	}
	return fields
}

func basicAuthCredentials(ex *models.CapturedExchange, fallbackSecret string) (string, string) {
	auth := ex.RequestHeader("authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return "", fallbackSecret
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return "", fallbackSecret
	}
	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", fallbackSecret
	}
	if fallbackSecret == "" {
		fallbackSecret = secret
	}
	return id, fallbackSecret
}
