// Package provider defines the outbound relay backends the dispatcher talks to.
package provider

import (
	"context"

	"github.com/shineum/socket-mail-relay/internal/credentials"
	"github.com/shineum/socket-mail-relay/internal/email"
)

// Provider opens one Session per dispatch for a set of relay credentials.
type Provider interface {
	// Open prepares a session for relay. It does not need to contact the
	// relay; connection problems may surface in Verify instead.
	Open(ctx context.Context, relay credentials.Relay) (Session, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// Session is a transient connection to the upstream relay owned by a single
// dispatch. Close must be safe to call more than once.
type Session interface {
	// Verify checks the relay is reachable and accepts the credentials.
	Verify(ctx context.Context) error

	// Send submits msg and returns once the relay accepted or rejected it.
	Send(ctx context.Context, msg *email.Email) error

	// Close releases the connection.
	Close() error
}
