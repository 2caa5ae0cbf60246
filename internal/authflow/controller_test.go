package authflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"consentbot-go/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://bot.example.com"

var testAddr = Address{UserID: "user-1", ConversationID: "chat-1"}

func newTestController(p *fakeProvider, opts ...ControllerOption) (*Controller, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewController(p, s, zerolog.Nop(), opts...), s
}

// runToPendingVerification drives a flow through login and callback,
// returning the verification code the browser page would have shown.
func runToPendingVerification(t *testing.T, ctrl *Controller, s *store.MemoryStore) string {
	t.Helper()
	ctx := context.Background()

	_, err := ctrl.StartLogin(ctx, testAddr, testBaseURL)
	require.NoError(t, err)

	rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)
	require.NotEmpty(t, rec.OAuthState)

	res, err := ctrl.HandleCallback(ctx, rec.OAuthState, "authcode-1", testBaseURL)
	require.NoError(t, err)
	require.Regexp(t, `^\d{6}$`, res.VerificationCode)
	return res.VerificationCode
}

func TestStartLogin_StoresStateAndBuildsURL(t *testing.T) {
	ctrl, s := newTestController(&fakeProvider{})
	ctx := context.Background()

	res, err := ctrl.StartLogin(ctx, testAddr, testBaseURL)
	require.NoError(t, err)
	assert.False(t, res.AlreadySignedIn)
	assert.Contains(t, res.SignInURL, testBaseURL+"/authorize?state=")

	rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.OAuthState)

	parsed, err := parseOAuthState(rec.OAuthState)
	require.NoError(t, err)
	assert.Equal(t, testAddr, parsed)
}

func TestStartLogin_AlreadySignedIn(t *testing.T) {
	ctrl, s := newTestController(&fakeProvider{})
	ctx := context.Background()

	rec := authenticatedRecord(time.Now().Add(time.Hour))
	require.NoError(t, s.Set(ctx, testAddr.UserID, "fakeid", rec))

	res, err := ctrl.StartLogin(ctx, testAddr, testBaseURL)
	require.NoError(t, err)
	assert.True(t, res.AlreadySignedIn)
	assert.Empty(t, res.SignInURL)
}

func TestStartLogin_SecondLoginSupersedesFirstState(t *testing.T) {
	p := &fakeProvider{}
	ctrl, s := newTestController(p)
	ctx := context.Background()

	_, err := ctrl.StartLogin(ctx, testAddr, testBaseURL)
	require.NoError(t, err)
	firstRec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)

	_, err = ctrl.StartLogin(ctx, testAddr, testBaseURL)
	require.NoError(t, err)
	secondRec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)
	require.NotEqual(t, firstRec.OAuthState, secondRec.OAuthState)

	// A callback bearing the superseded state is now a mismatch and never
	// reaches the provider.
	_, err = ctrl.HandleCallback(ctx, firstRec.OAuthState, "authcode-1", testBaseURL)
	assert.ErrorIs(t, err, ErrStateMismatch)
	assert.Empty(t, p.redeemed())
}

func TestHandleCallback_AcceptedStoresPendingToken(t *testing.T) {
	p := &fakeProvider{}
	ctrl, s := newTestController(p)
	ctx := context.Background()

	_, err := ctrl.StartLogin(ctx, testAddr, testBaseURL)
	require.NoError(t, err)
	rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)

	res, err := ctrl.HandleCallback(ctx, rec.OAuthState, "authcode-1", testBaseURL)
	require.NoError(t, err)
	assert.Equal(t, testAddr, res.Address)
	assert.Equal(t, "Fake ID", res.ProviderDisplayName)
	assert.Regexp(t, `^\d{6}$`, res.VerificationCode)
	assert.Equal(t, []string{"authcode-1"}, p.redeemed())

	stored, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)
	require.NotNil(t, stored.Token)
	assert.False(t, stored.Token.VerificationCodeValidated)
	assert.True(t, stored.Token.PendingVerification())
	assert.False(t, stored.Token.Usable())
	assert.Equal(t, res.VerificationCode, stored.Token.VerificationCode)
}

func TestHandleCallback_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		startLogin bool
		state      func(stored string) string
		code       string
		wantErr    error
	}{
		{
			name:       "state differs from stored",
			startLogin: true,
			state: func(stored string) string {
				other, _ := newOAuthState(testAddr)
				return other
			},
			code:    "authcode-1",
			wantErr: ErrStateMismatch,
		},
		{
			name:       "missing authorization code",
			startLogin: true,
			state:      func(stored string) string { return stored },
			code:       "",
			wantErr:    ErrStateMismatch,
		},
		{
			name:       "no state ever stored",
			startLogin: false,
			state: func(string) string {
				s, _ := newOAuthState(testAddr)
				return s
			},
			code:    "authcode-1",
			wantErr: ErrStateMismatch,
		},
		{
			name:       "unparseable state",
			startLogin: false,
			state:      func(string) string { return "garbage" },
			code:       "authcode-1",
			wantErr:    ErrSessionLoad,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			ctrl, s := newTestController(p)

			var stored string
			if tt.startLogin {
				_, err := ctrl.StartLogin(ctx, testAddr, testBaseURL)
				require.NoError(t, err)
				rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
				require.NoError(t, err)
				stored = rec.OAuthState
			}

			_, err := ctrl.HandleCallback(ctx, tt.state(stored), tt.code, testBaseURL)
			assert.ErrorIs(t, err, tt.wantErr)

			// The provider is never called and stored state is unchanged.
			assert.Empty(t, p.redeemed())
			rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
			require.NoError(t, err)
			assert.Equal(t, stored, rec.OAuthState)
			assert.Nil(t, rec.Token)
		})
	}
}

func TestHandleCallback_RedemptionFailureLeavesFlowRetryable(t *testing.T) {
	p := &fakeProvider{redeemErr: errors.New("provider down")}
	ctrl, s := newTestController(p)
	ctx := context.Background()

	_, err := ctrl.StartLogin(ctx, testAddr, testBaseURL)
	require.NoError(t, err)
	rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)

	_, err = ctrl.HandleCallback(ctx, rec.OAuthState, "authcode-1", testBaseURL)
	assert.ErrorIs(t, err, ErrCodeRedemption)

	// State survives so the user can retry login from chat.
	after, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)
	assert.Equal(t, rec.OAuthState, after.OAuthState)
	assert.Nil(t, after.Token)

	// Retrying the whole leg with a working provider succeeds.
	p.setRedeemErr(nil)
	_, err = ctrl.HandleCallback(ctx, rec.OAuthState, "authcode-2", testBaseURL)
	assert.NoError(t, err)
}

func TestConfirmVerification_FullScenario(t *testing.T) {
	ctrl, s := newTestController(&fakeProvider{})
	ctx := context.Background()

	code := runToPendingVerification(t, ctrl, s)

	pending, err := ctrl.PendingVerification(ctx, testAddr)
	require.NoError(t, err)
	assert.True(t, pending)

	outcome, err := ctrl.ConfirmVerification(ctx, testAddr, "the page showed "+code)
	require.NoError(t, err)
	assert.Equal(t, ConfirmedSignedIn, outcome)

	tok, err := ctrl.ValidToken(ctx, testAddr)
	require.NoError(t, err)
	assert.True(t, tok.Usable())

	// Confirming again with the same correct code is a harmless no-op.
	outcome, err = ctrl.ConfirmVerification(ctx, testAddr, code)
	require.NoError(t, err)
	assert.Equal(t, ConfirmIgnoredReplay, outcome)

	tok, err = ctrl.ValidToken(ctx, testAddr)
	require.NoError(t, err)
	assert.True(t, tok.Usable())
}

func TestConfirmVerification_SingleStrikeDiscardsToken(t *testing.T) {
	ctrl, s := newTestController(&fakeProvider{})
	ctx := context.Background()

	code := runToPendingVerification(t, ctrl, s)

	outcome, err := ctrl.ConfirmVerification(ctx, testAddr, "000000")
	require.NoError(t, err)
	assert.Equal(t, ConfirmFailed, outcome)

	rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)
	assert.Nil(t, rec.Token, "token must be discarded after one failed attempt")

	// Even the correct code is useless now: the token is gone.
	outcome, err = ctrl.ConfirmVerification(ctx, testAddr, code)
	require.NoError(t, err)
	assert.Equal(t, ConfirmNothingPending, outcome)
}

func TestConfirmVerification_ExpiredCodeDiscardsToken(t *testing.T) {
	current := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	verifier := &Verifier{now: func() time.Time { return current }}
	ctrl, s := newTestController(&fakeProvider{}, WithVerifier(verifier))
	ctx := context.Background()

	code := runToPendingVerification(t, ctrl, s)

	// Past the 10-minute window, even the correct code is rejected.
	current = current.Add(11 * time.Minute)
	outcome, err := ctrl.ConfirmVerification(ctx, testAddr, code)
	require.NoError(t, err)
	assert.Equal(t, ConfirmFailed, outcome)

	rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)
	assert.Nil(t, rec.Token)
}

func TestConfirmSameDeviceCallback(t *testing.T) {
	ctrl, s := newTestController(&fakeProvider{})
	ctx := context.Background()

	code := runToPendingVerification(t, ctrl, s)
	rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)

	outcome, addr, err := ctrl.ConfirmSameDeviceCallback(ctx, rec.OAuthState, code)
	require.NoError(t, err)
	assert.Equal(t, ConfirmedSignedIn, outcome)
	assert.Equal(t, testAddr, addr)
}

func TestConfirmSameDeviceCallback_StateMismatch(t *testing.T) {
	ctrl, s := newTestController(&fakeProvider{})
	ctx := context.Background()

	code := runToPendingVerification(t, ctrl, s)

	forged, err := newOAuthState(testAddr)
	require.NoError(t, err)

	_, _, err = ctrl.ConfirmSameDeviceCallback(ctx, forged, code)
	assert.ErrorIs(t, err, ErrStateMismatch)

	// The pending token is untouched; the real code still works in chat.
	outcome, err := ctrl.ConfirmVerification(ctx, testAddr, code)
	require.NoError(t, err)
	assert.Equal(t, ConfirmedSignedIn, outcome)
}

func TestLogout(t *testing.T) {
	ctrl, s := newTestController(&fakeProvider{})
	ctx := context.Background()

	signedOut, err := ctrl.Logout(ctx, testAddr)
	require.NoError(t, err)
	assert.False(t, signedOut, "logout with no token reports already signed out")

	require.NoError(t, s.Set(ctx, testAddr.UserID, "fakeid", authenticatedRecord(time.Now().Add(time.Hour))))

	signedOut, err = ctrl.Logout(ctx, testAddr)
	require.NoError(t, err)
	assert.True(t, signedOut)

	rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)
	assert.Nil(t, rec.Token)
}

func TestValidToken_NotAuthenticated(t *testing.T) {
	ctrl, s := newTestController(&fakeProvider{})
	ctx := context.Background()

	_, err := ctrl.ValidToken(ctx, testAddr)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	// A token pending verification is not usable either.
	runToPendingVerification(t, ctrl, s)
	_, err = ctrl.ValidToken(ctx, testAddr)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestValidToken_SilentRefresh(t *testing.T) {
	p := &fakeProvider{}
	ctrl, s := newTestController(p)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, testAddr.UserID, "fakeid", authenticatedRecord(time.Now().Add(-time.Minute))))

	tok, err := ctrl.ValidToken(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, p.refreshCalls())
	assert.Equal(t, "refreshed-access", tok.AccessToken)
	assert.True(t, tok.VerificationCodeValidated, "refresh needs no new human verification")
	assert.True(t, tok.ExpirationTime.After(time.Now()))

	// The refreshed token is persisted: no second refresh on the next call.
	tok2, err := ctrl.ValidToken(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, p.refreshCalls())
	assert.Equal(t, tok.AccessToken, tok2.AccessToken)
}

func TestValidToken_RefreshFailureForcesSignIn(t *testing.T) {
	p := &fakeProvider{refreshErr: errors.New("refresh rejected")}
	ctrl, s := newTestController(p)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, testAddr.UserID, "fakeid", authenticatedRecord(time.Now().Add(-time.Minute))))

	_, err := ctrl.ValidToken(ctx, testAddr)
	assert.ErrorIs(t, err, ErrRefreshFailure)

	rec, err := s.Get(ctx, testAddr.UserID, "fakeid")
	require.NoError(t, err)
	assert.Nil(t, rec.Token, "failed refresh discards the token")

	_, err = ctrl.ValidToken(ctx, testAddr)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRefreshStored(t *testing.T) {
	p := &fakeProvider{}
	ctrl, s := newTestController(p)
	ctx := context.Background()

	// Fresh token: outside the leeway window, nothing happens.
	require.NoError(t, s.Set(ctx, testAddr.UserID, "fakeid", authenticatedRecord(time.Now().Add(time.Hour))))
	require.NoError(t, ctrl.RefreshStored(ctx, testAddr.UserID, 5*time.Minute))
	assert.Equal(t, 0, p.refreshCalls())

	// Token expiring within the leeway is refreshed.
	require.NoError(t, s.Set(ctx, testAddr.UserID, "fakeid", authenticatedRecord(time.Now().Add(time.Minute))))
	require.NoError(t, ctrl.RefreshStored(ctx, testAddr.UserID, 5*time.Minute))
	assert.Equal(t, 1, p.refreshCalls())
}
