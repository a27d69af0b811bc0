// Package token acquires and caches OAuth2 client-credentials tokens for the
// resolved cloud profile.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/shineum/smtp-graph-relay/internal/cloud"
	"github.com/shineum/smtp-graph-relay/internal/relay"
)

// expiryBuffer is the time before actual expiry when we consider a token expired.
// This prevents using a token that is about to expire during a request.
const expiryBuffer = 5 * time.Minute

// refreshTimeout bounds a single token endpoint round trip. Refreshes run
// detached from the caller's context so one cancelled caller does not fail
// the others waiting on the same refresh.
const refreshTimeout = 30 * time.Second

var metricAcquire = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "smtprelay_token_acquire_total",
		Help: "Token endpoint requests by result: ok, error, mismatch.",
	},
	[]string{"result"},
)

// Credential is the client identity used for the client-credentials grant.
type Credential struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// String never includes the secret.
func (c Credential) String() string {
	return fmt.Sprintf("tenant=%s client=%s secret=%s", c.TenantID, c.ClientID, redact(c.ClientSecret))
}

// LogValue implements slog.LogValuer so credentials are safe to log.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tenant_id", c.TenantID),
		slog.String("client_id", c.ClientID),
		slog.String("client_secret", redact(c.ClientSecret)),
	)
}

// redact masks a secret completely; only whether it is set is visible.
func redact(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Token is an access token with its decoded claims.
type Token struct {
	Value     string
	Claims    map[string]string
	ExpiresAt time.Time
}

// Source manages access tokens with thread-safe caching and lazy refresh.
// Concurrent callers that find the cache expired share one refresh.
type Source struct {
	cred       Credential
	profile    cloud.Profile
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	current *Token

	group singleflight.Group
}

// NewSource creates a Source for the credential in the given cloud profile.
func NewSource(cred Credential, profile cloud.Profile, httpClient *http.Client) *Source {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: refreshTimeout}
	}
	return &Source{
		cred:       cred,
		profile:    profile,
		tokenURL:   profile.TokenURL(cred.TenantID),
		httpClient: httpClient,
		now:        time.Now,
	}
}

// AcquireAndValidate requests a token and checks that its claims belong to
// the resolved cloud profile. On success the cache is primed.
//
// The claim check decodes the token without verifying its signature. It is a
// startup sanity check against misconfiguration, not an authorization
// boundary, and must not be reused as one.
func (s *Source) AcquireAndValidate(ctx context.Context) (*Token, error) {
	tok, err := s.fetch(ctx)
	if err != nil {
		return nil, relay.E(relay.KindConfigInconsistency, "token.acquire", "cannot acquire token for relay credential", err)
	}

	if tok.Claims == nil {
		slog.Warn("access token is not a decodable JWT, skipping cloud consistency check",
			"cloud", s.profile.Name,
		)
	} else if mismatches := s.profile.Check(tok.Claims); len(mismatches) > 0 {
		metricAcquire.WithLabelValues("mismatch").Inc()
		attrs := make([]any, 0, len(mismatches)+4)
		for _, m := range mismatches {
			attrs = append(attrs, slog.Group("claim_"+m.Claim, "got", m.Got, "want", m.Want))
		}
		attrs = append(attrs,
			"expected_cloud", s.profile.Name,
			"expected_authority", s.profile.AuthorityHost,
			"expected_api", s.profile.APIBase,
			"credential", s.cred,
		)
		slog.Error("token claims do not match the configured cloud", attrs...)
		return nil, relay.E(relay.KindCloudMismatch, "token.validate",
			fmt.Sprintf("token was issued for a different cloud than %s", s.profile.Name), nil)
	}

	s.store(tok)
	slog.Info("acquired access token",
		"cloud", s.profile.Name,
		"expires_at", tok.ExpiresAt,
		"tenant_region_scope", tok.Claims["tenant_region_scope"],
	)
	return tok, nil
}

// Token returns a valid access token, refreshing it if necessary.
// This method is safe for concurrent use.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	tok := s.current
	s.mu.Unlock()

	if tok != nil && s.now().Before(tok.ExpiresAt) {
		return tok.Value, nil
	}
	return s.refresh(ctx)
}

// ForceRefresh discards the cached token if it is still stale and acquires
// a new one. Callers that got a 401 with the same stale token share a
// single refresh.
func (s *Source) ForceRefresh(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	if s.current != nil && s.current.Value == stale {
		s.current = nil
	}
	tok := s.current
	s.mu.Unlock()

	if tok != nil && s.now().Before(tok.ExpiresAt) {
		return tok.Value, nil
	}
	return s.refresh(ctx)
}

func (s *Source) refresh(ctx context.Context) (string, error) {
	ch := s.group.DoChan("token", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		tok, err := s.fetch(fctx)
		if err != nil {
			return nil, err
		}
		if mismatches := s.profile.Check(tok.Claims); len(mismatches) > 0 {
			slog.Warn("refreshed token claims do not match the configured cloud",
				"expected_cloud", s.profile.Name,
				"mismatches", len(mismatches),
			)
		}
		s.store(tok)
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(*Token).Value, nil
	}
}

func (s *Source) store(tok *Token) {
	s.mu.Lock()
	s.current = tok
	s.mu.Unlock()
}

// fetch acquires a new token from the OAuth2 token endpoint.
func (s *Source) fetch(ctx context.Context) (*Token, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.cred.ClientID},
		"client_secret": {s.cred.ClientSecret},
		"scope":         {s.profile.Scope()},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metricAcquire.WithLabelValues("error").Inc()
		return nil, relay.E(relay.KindTransientDispatch, "token.acquire", "token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metricAcquire.WithLabelValues("error").Inc()
		return nil, relay.E(relay.KindTransientDispatch, "token.acquire", "failed to read token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		metricAcquire.WithLabelValues("error").Inc()
		return nil, classifyTokenError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		metricAcquire.WithLabelValues("error").Inc()
		return nil, relay.E(relay.KindTransientDispatch, "token.acquire", "failed to parse token response", err)
	}
	if tr.AccessToken == "" {
		metricAcquire.WithLabelValues("error").Inc()
		return nil, relay.E(relay.KindTransientDispatch, "token.acquire", "token response missing access_token", nil)
	}

	claims, err := decodeClaims(tr.AccessToken)
	if err != nil {
		slog.Debug("access token claims not decodable", "error", err)
	}

	metricAcquire.WithLabelValues("ok").Inc()
	return &Token{
		Value:     tr.AccessToken,
		Claims:    claims,
		ExpiresAt: s.now().Add(time.Duration(tr.ExpiresIn)*time.Second - expiryBuffer),
	}, nil
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// oauthError is the error body returned by the token endpoint.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// classifyTokenError maps a token endpoint failure to the relay taxonomy:
// throttling and server errors are transient, rejected credentials are not.
func classifyTokenError(status int, body []byte) *relay.Error {
	msg := strings.TrimSpace(string(body))
	var oe oauthError
	if err := json.Unmarshal(body, &oe); err == nil && oe.Error != "" {
		msg = oe.Error
		if oe.Description != "" {
			// AADSTS descriptions carry trace ids on later lines.
			msg += ": " + strings.SplitN(oe.Description, "\r\n", 2)[0]
		}
	}

	kind := relay.KindPermanentDispatch
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		kind = relay.KindTransientDispatch
	}
	return &relay.Error{Kind: kind, Op: "token.acquire", Msg: msg, StatusCode: status}
}
