// Package graph implements a Provider and a Directory backed by the
// Microsoft Graph API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-graph-relay/internal/email"
	"github.com/shineum/smtp-graph-relay/internal/relay"
)

// TokenSource supplies bearer tokens for Graph requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// Config holds the configuration for creating a Client.
type Config struct {
	// APIBase is the Graph host of the resolved cloud profile, without
	// the version segment.
	APIBase string

	// SaveToSentItems keeps a copy of relayed mail in the identity's
	// Sent Items folder.
	SaveToSentItems bool
}

// Client sends mail and reads the user directory through the Graph API.
// Tokens come from the shared TokenSource, so every Client in the process
// uses the same cache.
type Client struct {
	apiBase         string
	saveToSentItems bool
	httpClient      *http.Client
	tokens          TokenSource
}

// New creates a Client. A nil httpClient gets a client with a 30 second
// timeout.
func New(cfg Config, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiBase:         strings.TrimRight(cfg.APIBase, "/"),
		saveToSentItems: cfg.SaveToSentItems,
		httpClient:      httpClient,
		tokens:          tokens,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "msgraph"
}

// Send makes one sendMail call as msg.From. A 401 response triggers a
// single forced token refresh and resend; a second 401 is permanent.
func (c *Client) Send(ctx context.Context, msg *email.Email) error {
	const op = "graph.sendMail"

	bodyJSON, err := json.Marshal(buildSendMailRequest(msg, c.saveToSentItems))
	if err != nil {
		return relay.E(relay.KindPermanentDispatch, op, "failed to marshal request body", err)
	}
	endpoint := c.userURL(msg.From) + "/sendMail"

	token, err := c.token(ctx, op)
	if err != nil {
		return err
	}

	err = c.post(ctx, op, endpoint, token, bodyJSON)
	var re *relay.Error
	if !errors.As(err, &re) || re.StatusCode != http.StatusUnauthorized {
		return err
	}

	slog.Info("refreshing Graph API token after 401")
	token, err = c.tokens.ForceRefresh(ctx, token)
	if err != nil {
		return tokenError(op, err)
	}

	err = c.post(ctx, op, endpoint, token, bodyJSON)
	if errors.As(err, &re) && re.StatusCode == http.StatusUnauthorized {
		re.Kind = relay.KindPermanentDispatch
		re.Msg = "unauthorized after token refresh: " + re.Msg
	}
	return err
}

func (c *Client) userURL(address string) string {
	return c.apiBase + "/v1.0/users/" + url.PathEscape(address)
}

func (c *Client) token(ctx context.Context, op string) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", tokenError(op, err)
	}
	return token, nil
}

// tokenError keeps the classification of token endpoint failures and
// treats anything unclassified (cancellation, timeouts) as transient.
func tokenError(op string, err error) error {
	if relay.KindOf(err) == relay.KindUnknown {
		return relay.E(relay.KindTransientDispatch, op, "failed to get access token", err)
	}
	return fmt.Errorf("%s: failed to get access token: %w", op, err)
}

// post performs a single HTTP request to a Graph endpoint that answers
// 202 Accepted on success.
func (c *Client) post(ctx context.Context, op, endpoint, token string, bodyJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return relay.E(relay.KindPermanentDispatch, op, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return relay.E(relay.KindTransientDispatch, op, "HTTP request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}
	return responseError(op, resp)
}

// responseError reads a Graph error body and classifies it.
func responseError(op string, resp *http.Response) *relay.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	message := strings.TrimSpace(string(body))
	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Code != "" {
		message = graphErrResp.Error.Code + ": " + graphErrResp.Error.Message
	}

	err := classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
	err.Op = op
	return err
}

// classifyError categorizes an HTTP error response for retry decisions.
// 401 is reported transient here; Send decides after its one refresh.
func classifyError(statusCode int, message, retryAfter string) *relay.Error {
	err := &relay.Error{
		Kind:       relay.KindPermanentDispatch,
		Msg:        message,
		StatusCode: statusCode,
		RetryAfter: parseRetryAfter(retryAfter, time.Now()),
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.Kind = relay.KindTransientDispatch
	}
	return err
}

// parseRetryAfter accepts both forms of the Retry-After header: delay
// seconds and an HTTP date. Returns 0 when absent or unparseable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
