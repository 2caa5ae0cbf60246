package authflow

import (
	"context"
	"fmt"
	"time"

	"consentbot-go/internal/metrics"
	"consentbot-go/internal/provider"
	"consentbot-go/internal/store"

	"github.com/rs/zerolog"
)

const defaultRedeemTimeout = 15 * time.Second

// Controller orchestrates the consent-and-verification flow for one
// identity provider. It holds no flow state itself: every transition reads
// the persisted record, applies the state machine, and writes the result
// back, so any process instance sharing the store can handle any event.
type Controller struct {
	provider      provider.Provider
	store         store.Store
	verifier      *Verifier
	logger        zerolog.Logger
	redeemTimeout time.Duration
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithRedeemTimeout bounds provider token-endpoint calls.
func WithRedeemTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.redeemTimeout = d
		}
	}
}

// WithVerifier overrides the verification challenge, used in tests to pin
// the clock.
func WithVerifier(v *Verifier) ControllerOption {
	return func(c *Controller) {
		c.verifier = v
	}
}

// NewController creates a Controller for one provider.
func NewController(p provider.Provider, s store.Store, logger zerolog.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		provider:      p,
		store:         s,
		verifier:      NewVerifier(),
		logger:        logger.With().Str("provider", p.Name()).Logger(),
		redeemTimeout: defaultRedeemTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the identity provider this controller drives.
func (c *Controller) Provider() provider.Provider {
	return c.provider
}

// StartResult is the outward effect of StartLogin.
type StartResult struct {
	// AlreadySignedIn is set when the user holds a usable token and no new
	// flow was started.
	AlreadySignedIn bool

	// SignInURL is the consent URL to present to the user. Empty when
	// AlreadySignedIn.
	SignInURL string
}

// StartLogin begins a consent flow for the chat address. A fresh
// anti-forgery state overwrites any previous one, so a callback carrying an
// earlier state is rejected from then on.
func (c *Controller) StartLogin(ctx context.Context, addr Address, baseURL string) (StartResult, error) {
	rec, err := c.store.Get(ctx, addr.UserID, c.provider.Name())
	if err != nil {
		return StartResult{}, fmt.Errorf("loading flow state: %w", err)
	}
	if rec.Token.Usable() {
		return StartResult{AlreadySignedIn: true}, nil
	}

	state, err := newOAuthState(addr)
	if err != nil {
		return StartResult{}, err
	}
	rec.OAuthState = state
	if err := c.store.Set(ctx, addr.UserID, c.provider.Name(), rec); err != nil {
		return StartResult{}, fmt.Errorf("storing oauth state: %w", err)
	}

	authURL, err := c.provider.AuthorizationURL(state, baseURL, nil)
	if err != nil {
		return StartResult{}, fmt.Errorf("building authorization url: %w", err)
	}

	metrics.LoginsStarted.WithLabelValues(c.provider.Name()).Inc()
	c.logger.Info().Str("user", addr.UserID).Msg("login flow started")
	return StartResult{SignInURL: authURL}, nil
}

// CallbackResult is the outward effect of an accepted browser callback.
type CallbackResult struct {
	Address             Address
	ProviderDisplayName string

	// VerificationCode is shown on the browser success page only. It must
	// never be sent to the chat or written to logs.
	VerificationCode string
}

// HandleCallback processes the browser redirect. The chat context is
// resolved solely from the structured state payload; the callback is
// accepted only when the received state string exactly equals the stored
// one and an authorization code is present. On acceptance the code is
// redeemed and the resulting token is stored pending verification.
func (c *Controller) HandleCallback(ctx context.Context, rawState, code, baseURL string) (CallbackResult, error) {
	addr, err := parseOAuthState(rawState)
	if err != nil {
		metrics.Callbacks.WithLabelValues(c.provider.Name(), metrics.OutcomeSessionError).Inc()
		c.logger.Warn().Err(err).Msg("failed to resolve chat session from callback state")
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrSessionLoad, err)
	}

	rec, err := c.store.Get(ctx, addr.UserID, c.provider.Name())
	if err != nil {
		metrics.Callbacks.WithLabelValues(c.provider.Name(), metrics.OutcomeSessionError).Inc()
		c.logger.Warn().Err(err).Msg("failed to load flow state for callback")
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrSessionLoad, err)
	}

	// Exact match against the most recently stored state, and the user must
	// have granted authorization. Rejected callbacks leave stored state
	// untouched and never reach the provider.
	if rec.OAuthState == "" || rec.OAuthState != rawState || code == "" {
		metrics.Callbacks.WithLabelValues(c.provider.Name(), metrics.OutcomeStateMismatch).Inc()
		c.logger.Warn().Str("user", addr.UserID).Msg("callback state does not match expected state, or user denied authorization")
		return CallbackResult{}, ErrStateMismatch
	}

	redeemCtx, cancel := context.WithTimeout(ctx, c.redeemTimeout)
	defer cancel()

	start := time.Now()
	tok, err := c.provider.RedeemAuthorizationCode(redeemCtx, code, baseURL)
	metrics.RedemptionDuration.WithLabelValues(c.provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		// The flow stays where it was: the user can retry login from chat.
		metrics.Callbacks.WithLabelValues(c.provider.Name(), metrics.OutcomeRedeemFailed).Inc()
		c.logger.Error().Err(err).Str("user", addr.UserID).Msg("failed to redeem authorization code")
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrCodeRedemption, err)
	}

	// Store the token provisionally. The bot refuses to use it until the
	// user proves, from inside the chat, that they are the same person who
	// completed the browser flow.
	if err := c.verifier.Prepare(tok); err != nil {
		metrics.Callbacks.WithLabelValues(c.provider.Name(), metrics.OutcomeRedeemFailed).Inc()
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrCodeRedemption, err)
	}
	rec.Token = tok
	if err := c.store.Set(ctx, addr.UserID, c.provider.Name(), rec); err != nil {
		metrics.Callbacks.WithLabelValues(c.provider.Name(), metrics.OutcomeRedeemFailed).Inc()
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrCodeRedemption, err)
	}

	metrics.Callbacks.WithLabelValues(c.provider.Name(), metrics.OutcomeAccepted).Inc()
	c.logger.Info().Str("user", addr.UserID).Msg("authorization code redeemed, token pending verification")
	return CallbackResult{
		Address:             addr,
		ProviderDisplayName: c.provider.DisplayName(),
		VerificationCode:    tok.VerificationCode,
	}, nil
}

// ConfirmOutcome is the outward effect of a verification attempt.
type ConfirmOutcome int

const (
	// ConfirmedSignedIn means the token is now validated and usable.
	ConfirmedSignedIn ConfirmOutcome = iota

	// ConfirmIgnoredReplay means the token was already validated; nothing
	// changed. Confirming twice with the same correct code is harmless.
	ConfirmIgnoredReplay

	// ConfirmFailed means the code was wrong, missing, or expired. The token
	// has been discarded; the user must restart login.
	ConfirmFailed

	// ConfirmNothingPending means no token was waiting for verification.
	ConfirmNothingPending
)

// ConfirmVerification checks a verification code typed by the user in chat.
// The code is extracted from the free-form message text.
func (c *Controller) ConfirmVerification(ctx context.Context, addr Address, messageText string) (ConfirmOutcome, error) {
	return c.confirm(ctx, addr, c.verifier.ExtractCode(messageText))
}

// ConfirmSameDeviceCallback checks a verification code delivered by the
// success page's auto-confirm hook instead of being typed in chat. The chat
// context is resolved from the same state payload the callback carried, and
// the stored state must still match.
func (c *Controller) ConfirmSameDeviceCallback(ctx context.Context, rawState, code string) (ConfirmOutcome, Address, error) {
	addr, err := parseOAuthState(rawState)
	if err != nil {
		return ConfirmFailed, Address{}, fmt.Errorf("%w: %v", ErrSessionLoad, err)
	}
	rec, err := c.store.Get(ctx, addr.UserID, c.provider.Name())
	if err != nil {
		return ConfirmFailed, Address{}, fmt.Errorf("%w: %v", ErrSessionLoad, err)
	}
	if rec.OAuthState == "" || rec.OAuthState != rawState {
		c.logger.Warn().Str("user", addr.UserID).Msg("same-device confirm state does not match expected state")
		return ConfirmFailed, Address{}, ErrStateMismatch
	}
	outcome, err := c.confirm(ctx, addr, code)
	return outcome, addr, err
}

func (c *Controller) confirm(ctx context.Context, addr Address, code string) (ConfirmOutcome, error) {
	rec, err := c.store.Get(ctx, addr.UserID, c.provider.Name())
	if err != nil {
		return ConfirmFailed, fmt.Errorf("loading flow state: %w", err)
	}
	if rec.Token == nil {
		return ConfirmNothingPending, nil
	}

	switch c.verifier.Confirm(rec.Token, code) {
	case ConfirmReplay:
		// Double completion guard: the manual entry and the same-device
		// callback can race for the same user. The second one is a no-op.
		metrics.Verifications.WithLabelValues(c.provider.Name(), metrics.OutcomeReplay).Inc()
		c.logger.Warn().Str("user", addr.UserID).Msg("received unexpected login callback for validated token")
		return ConfirmIgnoredReplay, nil

	case ConfirmRejected:
		// One strike: discard the token entirely so the code cannot be
		// brute-forced across attempts.
		metrics.Verifications.WithLabelValues(c.provider.Name(), metrics.OutcomeRejected).Inc()
		c.logger.Warn().Str("user", addr.UserID).Msg("verification code does not match, discarding token")
		rec.Token = nil
		if err := c.store.Set(ctx, addr.UserID, c.provider.Name(), rec); err != nil {
			return ConfirmFailed, fmt.Errorf("discarding token: %w", err)
		}
		return ConfirmFailed, nil

	default: // ConfirmValidated
		metrics.Verifications.WithLabelValues(c.provider.Name(), metrics.OutcomeValidated).Inc()
		if err := c.store.Set(ctx, addr.UserID, c.provider.Name(), rec); err != nil {
			return ConfirmFailed, fmt.Errorf("persisting validated token: %w", err)
		}
		c.logger.Info().Str("user", addr.UserID).Msg("verification code validated, user signed in")
		return ConfirmedSignedIn, nil
	}
}

// PendingVerification reports whether the user has a token waiting for a
// verification code. Used by the chat transport to decide whether free text
// should be scanned for a code.
func (c *Controller) PendingVerification(ctx context.Context, addr Address) (bool, error) {
	rec, err := c.store.Get(ctx, addr.UserID, c.provider.Name())
	if err != nil {
		return false, fmt.Errorf("loading flow state: %w", err)
	}
	return rec.Token.PendingVerification(), nil
}

// Logout discards the user's token. It reports false when the user was not
// signed in to begin with.
func (c *Controller) Logout(ctx context.Context, addr Address) (bool, error) {
	rec, err := c.store.Get(ctx, addr.UserID, c.provider.Name())
	if err != nil {
		return false, fmt.Errorf("loading flow state: %w", err)
	}
	if !rec.Token.Usable() {
		return false, nil
	}
	rec.Token = nil
	if err := c.store.Set(ctx, addr.UserID, c.provider.Name(), rec); err != nil {
		return false, fmt.Errorf("discarding token: %w", err)
	}
	c.logger.Info().Str("user", addr.UserID).Msg("user signed out")
	return true, nil
}

// ValidToken returns a usable access token for the user, silently refreshing
// it first when expired. Refresh failure discards the token and surfaces as
// ErrRefreshFailure, forcing a new sign-in.
func (c *Controller) ValidToken(ctx context.Context, addr Address) (*provider.UserToken, error) {
	rec, err := c.store.Get(ctx, addr.UserID, c.provider.Name())
	if err != nil {
		return nil, fmt.Errorf("loading flow state: %w", err)
	}
	if !rec.Token.Usable() {
		return nil, ErrNotAuthenticated
	}
	if !rec.Token.Expired(time.Now()) {
		return rec.Token, nil
	}

	tok, err := c.refresh(ctx, addr.UserID, rec, metrics.TriggerLazy)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// RefreshStored refreshes the validated token stored for userID when it is
// expired or expires within leeway. Used by the background sweeper; there is
// no user-visible step.
func (c *Controller) RefreshStored(ctx context.Context, userID string, leeway time.Duration) error {
	rec, err := c.store.Get(ctx, userID, c.provider.Name())
	if err != nil {
		return fmt.Errorf("loading flow state: %w", err)
	}
	if !rec.Token.Usable() {
		return nil
	}
	if !rec.Token.Expired(time.Now().Add(leeway)) {
		return nil
	}
	_, err = c.refresh(ctx, userID, rec, metrics.TriggerBackground)
	return err
}

// refresh redeems the refresh token and persists the result. On any failure
// the token is discarded so the next interactive use prompts a sign-in.
func (c *Controller) refresh(ctx context.Context, userID string, rec store.Record, trigger string) (*provider.UserToken, error) {
	redeemCtx, cancel := context.WithTimeout(ctx, c.redeemTimeout)
	defer cancel()

	refreshToken := rec.Token.RefreshToken
	if refreshToken == "" {
		return nil, c.failRefresh(ctx, userID, rec, trigger, fmt.Errorf("no refresh token stored"))
	}

	tok, err := c.provider.RedeemRefreshToken(redeemCtx, refreshToken)
	if err != nil {
		return nil, c.failRefresh(ctx, userID, rec, trigger, err)
	}

	rec.Token = tok
	if err := c.store.Set(ctx, userID, c.provider.Name(), rec); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}
	metrics.Refreshes.WithLabelValues(c.provider.Name(), trigger, metrics.OutcomeOK).Inc()
	c.logger.Debug().Str("user", userID).Msg("access token refreshed")
	return tok, nil
}

func (c *Controller) failRefresh(ctx context.Context, userID string, rec store.Record, trigger string, cause error) error {
	metrics.Refreshes.WithLabelValues(c.provider.Name(), trigger, metrics.OutcomeFailed).Inc()
	c.logger.Error().Err(cause).Str("user", userID).Msg("token refresh failed, discarding token")
	rec.Token = nil
	if err := c.store.Set(ctx, userID, c.provider.Name(), rec); err != nil {
		return fmt.Errorf("discarding token after failed refresh: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrRefreshFailure, cause)
}
