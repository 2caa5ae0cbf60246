package authflow

import "errors"

// Flow failure kinds. Everything the provider or the store throws is
// converted into one of these at the controller boundary; only generic,
// non-identifying messages cross into chat or the browser page.
var (
	// ErrStateMismatch marks a forged, replayed, or stale callback. Rendered
	// as a generic error so an attacker cannot distinguish an unknown user
	// from a wrong state.
	ErrStateMismatch = errors.New("oauth state does not match expected state")

	// ErrCodeRedemption marks a failed authorization-code exchange. The flow
	// stays where it was, so the user can retry login from chat.
	ErrCodeRedemption = errors.New("failed to redeem authorization code")

	// ErrRefreshFailure marks a failed silent refresh. The token is
	// discarded and the user has to sign in again.
	ErrRefreshFailure = errors.New("failed to refresh access token")

	// ErrSessionLoad marks a callback whose chat context could not be
	// resolved from the state payload.
	ErrSessionLoad = errors.New("failed to resolve chat session from state")

	// ErrNotAuthenticated is returned when a feature asks for a token and
	// none is usable.
	ErrNotAuthenticated = errors.New("user is not signed in")
)
