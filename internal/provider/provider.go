package provider

import (
	"context"
	"net/url"
	"time"
)

// UserToken is a credential issued by an identity provider for one
// user/provider pair. A token is only usable by bot features once the
// verification code has been validated; until then it sits in storage
// pending verification.
type UserToken struct {
	AccessToken                    string    `json:"access_token"`
	ExpirationTime                 time.Time `json:"expiration_time"`
	RefreshToken                   string    `json:"refresh_token,omitempty"`
	VerificationCode               string    `json:"verification_code,omitempty"`
	VerificationCodeExpirationTime time.Time `json:"verification_code_expiration_time,omitzero"`
	VerificationCodeValidated      bool      `json:"verification_code_validated"`
}

// Usable reports whether the token may be handed to calling features.
func (t *UserToken) Usable() bool {
	return t != nil && t.VerificationCodeValidated
}

// PendingVerification reports whether the token is waiting for the user to
// present a verification code in chat.
func (t *UserToken) PendingVerification() bool {
	return t != nil && !t.VerificationCodeValidated && t.VerificationCode != ""
}

// Expired reports whether the access token has passed its expiration time.
func (t *UserToken) Expired(now time.Time) bool {
	return t != nil && now.After(t.ExpirationTime)
}

// Provider abstracts one OAuth2 identity provider.
type Provider interface {
	// DisplayName is the human-readable provider name shown in chat.
	DisplayName() string

	// Name is the stable, URL-safe identifier used as the storage key
	// namespace. It must be unique per configured provider.
	Name() string

	// AuthorizationURL builds the URL the user's browser is sent to for
	// consent. The state string must round-trip unmodified through the
	// provider's redirect. No side effects.
	AuthorizationURL(state, baseURL string, extra url.Values) (string, error)

	// RedeemAuthorizationCode exchanges a one-time authorization code for a
	// token. The returned token is never marked as validated.
	RedeemAuthorizationCode(ctx context.Context, code, baseURL string) (*UserToken, error)

	// RedeemRefreshToken exchanges a refresh token for a fresh access token.
	// The returned token is marked as already validated: the original human
	// verification happened when the token was first issued, and the refresh
	// runs silently.
	RedeemRefreshToken(ctx context.Context, refreshToken string) (*UserToken, error)
}
