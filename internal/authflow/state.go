package authflow

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Address is the minimal identity of a chat context. It is the only data
// allowed to cross the browser boundary, embedded in the OAuth state, and
// must never be trusted on its own to identify the user: the state string
// comparison is what authenticates the callback.
type Address struct {
	UserID         string
	ConversationID string
}

// stateEnvelope is the wire format of the anti-forgery state parameter:
// {"securityToken":"...","address":{"user":{"id":"..."},"conversation":{"id":"..."}}}
type stateEnvelope struct {
	SecurityToken string       `json:"securityToken"`
	Address       stateAddress `json:"address"`
}

type stateAddress struct {
	User         stateID `json:"user"`
	Conversation stateID `json:"conversation"`
}

type stateID struct {
	ID string `json:"id"`
}

// newOAuthState builds a fresh anti-forgery state string bound to the chat
// address. The security token makes the state unguessable.
func newOAuthState(addr Address) (string, error) {
	env := stateEnvelope{
		SecurityToken: uuid.NewString(),
		Address: stateAddress{
			User:         stateID{ID: addr.UserID},
			Conversation: stateID{ID: addr.ConversationID},
		},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding oauth state: %w", err)
	}
	return string(raw), nil
}

// parseOAuthState extracts the chat address from a state string received on
// the callback leg. The address is only a lookup key; the caller still has
// to compare the full state string against the stored value.
func parseOAuthState(state string) (Address, error) {
	var env stateEnvelope
	if err := json.Unmarshal([]byte(state), &env); err != nil {
		return Address{}, fmt.Errorf("decoding oauth state: %w", err)
	}
	addr := Address{
		UserID:         env.Address.User.ID,
		ConversationID: env.Address.Conversation.ID,
	}
	if addr.UserID == "" {
		return Address{}, fmt.Errorf("oauth state carries no user id")
	}
	return addr, nil
}
