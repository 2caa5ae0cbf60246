package authflow

import (
	"context"
	"net/url"
	"sync"
	"time"

	"consentbot-go/internal/provider"
	"consentbot-go/internal/store"
)

// authenticatedRecord is a signed-in record with the given access token
// expiry, as it would look after a fully verified login.
func authenticatedRecord(expiry time.Time) store.Record {
	return store.Record{
		OAuthState: "stale-state-from-last-login",
		Token: &provider.UserToken{
			AccessToken:               "stored-access",
			ExpirationTime:            expiry,
			RefreshToken:              "stored-refresh",
			VerificationCodeValidated: true,
		},
	}
}

// fakeProvider is a scriptable identity provider for controller tests. It is
// safe for concurrent use because the refresh sweeper calls it from worker
// goroutines.
type fakeProvider struct {
	mu            sync.Mutex
	redeemedCodes []string
	refreshCount  int
	redeemErr     error
	refreshErr    error
}

func (f *fakeProvider) redeemed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.redeemedCodes...)
}

func (f *fakeProvider) setRedeemErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redeemErr = err
}

func (f *fakeProvider) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCount
}

func (f *fakeProvider) DisplayName() string { return "Fake ID" }
func (f *fakeProvider) Name() string        { return "fakeid" }

func (f *fakeProvider) AuthorizationURL(state, baseURL string, extra url.Values) (string, error) {
	return baseURL + "/authorize?state=" + url.QueryEscape(state), nil
}

func (f *fakeProvider) RedeemAuthorizationCode(ctx context.Context, code, baseURL string) (*provider.UserToken, error) {
	f.mu.Lock()
	f.redeemedCodes = append(f.redeemedCodes, code)
	err := f.redeemErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &provider.UserToken{
		AccessToken:    "access-" + code,
		ExpirationTime: time.Now().Add(time.Hour),
		RefreshToken:   "refresh-1",
	}, nil
}

func (f *fakeProvider) RedeemRefreshToken(ctx context.Context, refreshToken string) (*provider.UserToken, error) {
	f.mu.Lock()
	f.refreshCount++
	err := f.refreshErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &provider.UserToken{
		AccessToken:               "refreshed-access",
		ExpirationTime:            time.Now().Add(time.Hour),
		RefreshToken:              refreshToken,
		VerificationCodeValidated: true,
	}, nil
}
