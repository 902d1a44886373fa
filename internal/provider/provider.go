// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/mailcoach-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
type Provider interface {
	// Send delivers msg and returns how many recipients it was addressed to.
	// Implementations make a single attempt.
	Send(ctx context.Context, msg email.Message) (int, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// permanent is implemented by errors that will fail the same way if the
// message is sent again unchanged.
type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether any error in err's chain declares itself
// permanent. Errors that say nothing are treated as temporary.
func IsPermanent(err error) bool {
	var p permanent
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}
