// Package identity validates the relay identity against the mail
// backend's directory before the SMTP listener is allowed to bind.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shineum/smtp-graph-relay/internal/provider"
	"github.com/shineum/smtp-graph-relay/internal/relay"
)

// Validate looks up address in dir and returns the identity every
// transaction will be sent as.
//
// An unknown address, an entry without a mail address, or a mailbox the
// directory says cannot send is KindIdentityNotFound. A permission the
// directory cannot confirm is logged and recorded as a caveat. Any other
// lookup failure is KindConfigInconsistency.
func Validate(ctx context.Context, dir provider.Directory, address string) (relay.Identity, error) {
	const op = "identity.validate"

	address = strings.TrimSpace(address)
	if address == "" {
		return relay.Identity{}, relay.E(relay.KindConfigInconsistency, op, "relay identity address is empty", nil)
	}

	user, err := dir.LookupUser(ctx, address)
	switch {
	case errors.Is(err, provider.ErrUserNotFound):
		return relay.Identity{}, relay.E(relay.KindIdentityNotFound, op,
			fmt.Sprintf("relay identity %s does not exist in the directory", address), err)
	case err != nil:
		return relay.Identity{}, relay.E(relay.KindConfigInconsistency, op,
			fmt.Sprintf("cannot look up relay identity %s", address), err)
	}

	if user.Mail == "" {
		return relay.Identity{}, relay.E(relay.KindIdentityNotFound, op,
			fmt.Sprintf("relay identity %s has no mail address", address), nil)
	}
	if !user.CanSend {
		msg := fmt.Sprintf("relay identity %s cannot send mail", address)
		if user.Caveat != "" {
			msg += ": " + user.Caveat
		}
		return relay.Identity{}, relay.E(relay.KindIdentityNotFound, op, msg, nil)
	}

	id := relay.Identity{
		Address:     user.Mail,
		DisplayName: user.DisplayName,
		CanSendMail: true,
		Caveat:      user.Caveat,
	}
	if id.Caveat != "" {
		slog.Warn("relay identity validated with caveat",
			"address", id.Address,
			"caveat", id.Caveat,
		)
	} else {
		slog.Info("relay identity validated",
			"address", id.Address,
			"display_name", id.DisplayName,
		)
	}
	return id, nil
}
