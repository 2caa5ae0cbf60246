package store

import (
	"context"
	"time"

	"consentbot-go/internal/provider"
)

// Record is the per-(user, provider) flow state. OAuthState holds the most
// recently issued anti-forgery state string; it is overwritten by each new
// login start and never explicitly deleted. Token is nil when the user has
// never authenticated or has been logged out.
type Record struct {
	OAuthState string              `json:"oauth_state,omitempty"`
	Token      *provider.UserToken `json:"token,omitempty"`
}

// Key identifies one stored flow.
type Key struct {
	UserID   string
	Provider string
}

// Store is the durable per-user, per-provider state contract used by the
// auth flow. Get returns a zero Record when nothing has been stored. Writes
// are last-writer-wins; durability must span the life of a pending flow.
type Store interface {
	Get(ctx context.Context, userID, providerName string) (Record, error)
	Set(ctx context.Context, userID, providerName string, rec Record) error
}

// RefreshLister lists flows holding a validated token that expires before
// the given instant. Implemented by the durable store for the background
// refresh sweeper; not part of the flow contract.
type RefreshLister interface {
	ListRefreshable(ctx context.Context, before time.Time) ([]Key, error)
}
