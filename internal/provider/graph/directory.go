package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shineum/smtp-graph-relay/internal/provider"
	"github.com/shineum/smtp-graph-relay/internal/relay"
)

// errNoMailbox marks a 404 about the user's mailbox rather than the user.
var errNoMailbox = errors.New("mailbox not enabled")

// LookupUser reads the directory entry for address. Mailbox settings are
// requested in the same call. If the application may not read them, or the
// user has no mailbox, the lookup is repeated without them and the result
// carries a caveat.
func (c *Client) LookupUser(ctx context.Context, address string) (*provider.User, error) {
	const op = "graph.getUser"

	caveat := "mailbox settings could not be read; send permission is unconfirmed"
	u, err := c.getUser(ctx, op, address, "displayName,mail,mailboxSettings")
	var re *relay.Error
	switch {
	case errors.Is(err, errNoMailbox):
		caveat = "user has no mailbox configured; send permission is unconfirmed"
		fallthrough
	case errors.As(err, &re) && re.StatusCode == http.StatusForbidden:
		slog.Debug("mailbox settings unavailable, retrying user lookup without them", "error", err)
		u, err = c.getUser(ctx, op, address, "displayName,mail")
		if u != nil {
			u.MailboxSettings = nil
		}
	}
	if err != nil {
		return nil, err
	}

	user := &provider.User{
		DisplayName: u.DisplayName,
		Mail:        u.Mail,
		CanSend:     true,
	}
	if u.MailboxSettings == nil {
		user.Caveat = caveat
	}
	return user, nil
}

func (c *Client) getUser(ctx context.Context, op, address, fields string) (*graphUser, error) {
	token, err := c.token(ctx, op)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userURL(address)+"?$select="+fields, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, relay.E(relay.KindTransientDispatch, op, "HTTP request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rerr := responseError(op, resp)
		if resp.StatusCode != http.StatusNotFound {
			return nil, rerr
		}
		if isMailboxError(rerr) {
			return nil, fmt.Errorf("%w: %w", errNoMailbox, rerr)
		}
		return nil, fmt.Errorf("%s %s: %w", op, address, provider.ErrUserNotFound)
	}

	var u graphUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("%s: failed to decode user: %w", op, err)
	}
	return &u, nil
}

// isMailboxError reports whether a Graph error code concerns the mailbox,
// e.g. MailboxNotEnabledForRESTAPI, and not the user object.
func isMailboxError(err *relay.Error) bool {
	code, _, _ := strings.Cut(err.Msg, ":")
	return strings.Contains(code, "Mailbox")
}
