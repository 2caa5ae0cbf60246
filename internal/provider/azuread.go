package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Azure AD v1 endpoints.
// See https://docs.microsoft.com/en-us/azure/active-directory/develop/active-directory-protocols-oauth-code
const (
	azureAuthorizeURL = "https://login.microsoftonline.com/common/oauth2/authorize"
	azureTokenURL     = "https://login.microsoftonline.com/common/oauth2/token"
	graphResource     = "https://graph.microsoft.com"

	// CallbackPath is the redirect path registered with the provider,
	// appended to the public base URL of the service.
	CallbackPath = "/auth/callback"

	defaultRedeemTimeout = 15 * time.Second
)

// AzureAD implements Provider against Azure Active Directory.
type AzureAD struct {
	clientID     string
	clientSecret string
	authorizeURL string
	tokenURL     string
	httpClient   *http.Client
}

// AzureADOption configures an AzureAD provider.
type AzureADOption func(*AzureAD)

// WithEndpoints overrides the authorize and token endpoint URLs. Used in
// tests to point the provider at a local server.
func WithEndpoints(authorizeURL, tokenURL string) AzureADOption {
	return func(p *AzureAD) {
		p.authorizeURL = authorizeURL
		p.tokenURL = tokenURL
	}
}

// WithHTTPClient overrides the HTTP client used for token redemption.
func WithHTTPClient(c *http.Client) AzureADOption {
	return func(p *AzureAD) {
		p.httpClient = c
	}
}

// NewAzureAD creates an AzureAD provider. Token endpoint calls use a client
// with a bounded timeout so a hung provider surfaces as a redemption error.
func NewAzureAD(clientID, clientSecret string, opts ...AzureADOption) *AzureAD {
	p := &AzureAD{
		clientID:     clientID,
		clientSecret: clientSecret,
		authorizeURL: azureAuthorizeURL,
		tokenURL:     azureTokenURL,
		httpClient:   &http.Client{Timeout: defaultRedeemTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DisplayName returns the provider name shown to users.
func (p *AzureAD) DisplayName() string { return "Azure AD" }

// Name returns the storage key namespace for this provider.
func (p *AzureAD) Name() string { return "azuread" }

// AuthorizationURL builds the consent URL for the user's browser. The state
// is carried verbatim (URL-encoded) so it round-trips through the redirect.
func (p *AzureAD) AuthorizationURL(state, baseURL string, extra url.Values) (string, error) {
	if state == "" {
		return "", fmt.Errorf("state cannot be empty")
	}

	cfg := p.config(baseURL)
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_mode", "query"),
		oauth2.SetAuthURLParam("resource", graphResource),
	}
	for key, values := range extra {
		for _, v := range values {
			opts = append(opts, oauth2.SetAuthURLParam(key, v))
		}
	}

	return cfg.AuthCodeURL(state, opts...), nil
}

// RedeemAuthorizationCode exchanges the one-time authorization code for an
// access token. The expiration time on the result is absolute, derived from
// the provider's relative expiry response.
func (p *AzureAD) RedeemAuthorizationCode(ctx context.Context, code, baseURL string) (*UserToken, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code cannot be empty")
	}

	cfg := p.config(baseURL)
	tok, err := cfg.Exchange(p.clientContext(ctx), code,
		oauth2.SetAuthURLParam("resource", graphResource))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	return &UserToken{
		AccessToken:    tok.AccessToken,
		ExpirationTime: tok.Expiry,
		RefreshToken:   tok.RefreshToken,
	}, nil
}

// RedeemRefreshToken exchanges a refresh token for a new access token. The
// result is marked validated: no new human verification is needed for a
// silent refresh.
func (p *AzureAD) RedeemRefreshToken(ctx context.Context, refreshToken string) (*UserToken, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token cannot be empty")
	}

	cfg := p.config("")
	src := cfg.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("redeeming refresh token: %w", err)
	}

	refreshed := &UserToken{
		AccessToken:               tok.AccessToken,
		ExpirationTime:            tok.Expiry,
		RefreshToken:              tok.RefreshToken,
		VerificationCodeValidated: true,
	}
	// Some responses omit the refresh token; keep the one we already hold.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}
	return refreshed, nil
}

// config builds the oauth2 configuration for a given public base URL. The
// base URL is request-scoped rather than process-global so any instance can
// serve a callback for a flow started elsewhere.
func (p *AzureAD) config(baseURL string) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.authorizeURL,
			TokenURL: p.tokenURL,
		},
	}
	if baseURL != "" {
		cfg.RedirectURL = strings.TrimSuffix(baseURL, "/") + CallbackPath
	}
	return cfg
}

// clientContext injects the bounded-timeout HTTP client into the context
// used by the oauth2 package.
func (p *AzureAD) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}
