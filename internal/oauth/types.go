package oauth

// TokenResponse is the JSON body a token endpoint returns.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Result reports a completed refresh.
type Result struct {
	Refreshed    bool   `json:"refreshed"`
	TokenRotated bool   `json:"tokenRotated"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
	Detail       string `json:"detail,omitempty"`
}
