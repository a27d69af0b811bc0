// Package provider defines the interfaces for mail API backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/smtp-graph-relay/internal/email"
)

// Provider is the interface that mail API backends must implement.
type Provider interface {
	// Send makes exactly one delivery attempt for msg, sent as msg.From.
	// Failures are returned as *relay.Error classified transient or
	// permanent; retrying is the caller's decision.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Directory looks up mailboxes in the backend's user directory.
type Directory interface {
	// LookupUser returns the directory entry for address, or an error
	// wrapping ErrUserNotFound if there is none.
	LookupUser(ctx context.Context, address string) (*User, error)
}

// ErrUserNotFound is returned by a Directory for an unknown address.
var ErrUserNotFound = errors.New("user not found")

// User is a directory entry.
type User struct {
	DisplayName string
	Mail        string

	// CanSend is false when the directory positively knows the mailbox
	// cannot send.
	CanSend bool

	// Caveat describes a permission or setting the directory could not
	// confirm. Empty if everything checked out.
	Caveat string
}
