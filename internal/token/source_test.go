package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shineum/smtp-graph-relay/internal/cloud"
	"github.com/shineum/smtp-graph-relay/internal/relay"
)

// signedToken builds a JWT carrying the given claims. The signature is
// irrelevant because claims are decoded unverified.
func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func govClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"aud":                 "https://graph.microsoft.us",
		"iss":                 "https://login.microsoftonline.us/tid/v2.0",
		"tenant_region_scope": "USGov",
		"roles":               []any{"Mail.Send", "User.Read.All"},
	}
}

func publicClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"aud":                 "https://graph.microsoft.com",
		"iss":                 "https://login.microsoftonline.com/tid/v2.0",
		"tenant_region_scope": "NA",
	}
}

// tokenServer serves a fixed access token and counts requests.
func tokenServer(t *testing.T, accessToken string, expiresIn int64, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: accessToken,
			ExpiresIn:   expiresIn,
			TokenType:   "Bearer",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

// testProfile returns the named profile with its authority pointed at url.
func testProfile(name, url string) cloud.Profile {
	p := cloud.Resolve(name)
	p.AuthorityHost = url
	return p
}

var testCred = Credential{TenantID: "tenant-1", ClientID: "client-1", ClientSecret: "super-secret"}

func TestSource_AcquiresToken(t *testing.T) {
	t.Parallel()

	raw := "" // set below, referenced by the handler
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/tenant-1/oauth2/v2.0/token" {
			t.Errorf("path: got %q, want %q", r.URL.Path, "/tenant-1/oauth2/v2.0/token")
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if r.FormValue("grant_type") != "client_credentials" {
			t.Errorf("grant_type: got %q, want %q", r.FormValue("grant_type"), "client_credentials")
		}
		if r.FormValue("client_id") != "client-1" {
			t.Errorf("client_id: got %q, want %q", r.FormValue("client_id"), "client-1")
		}
		if r.FormValue("client_secret") != "super-secret" {
			t.Errorf("client_secret: got %q, want %q", r.FormValue("client_secret"), "super-secret")
		}
		if r.FormValue("scope") != "https://graph.microsoft.us/.default" {
			t.Errorf("scope: got %q, want %q", r.FormValue("scope"), "https://graph.microsoft.us/.default")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: raw, ExpiresIn: 3600, TokenType: "Bearer"})
	}))
	defer server.Close()
	raw = signedToken(t, govClaims())

	src := NewSource(testCred, testProfile("Government", server.URL), server.Client())

	tok, err := src.AcquireAndValidate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Value != raw {
		t.Errorf("token value mismatch")
	}
	if tok.Claims["tenant_region_scope"] != "USGov" {
		t.Errorf("tenant_region_scope: got %q, want %q", tok.Claims["tenant_region_scope"], "USGov")
	}
	if tok.Claims["roles"] != "Mail.Send,User.Read.All" {
		t.Errorf("roles: got %q, want %q", tok.Claims["roles"], "Mail.Send,User.Read.All")
	}
}

func TestSource_CloudMismatch(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, signedToken(t, publicClaims()), 3600, &calls)

	src := NewSource(testCred, testProfile("Government", server.URL), server.Client())

	_, err := src.AcquireAndValidate(context.Background())
	if err == nil {
		t.Fatal("expected cloud mismatch error, got nil")
	}
	if relay.KindOf(err) != relay.KindCloudMismatch {
		t.Errorf("kind: got %s, want %s", relay.KindOf(err), relay.KindCloudMismatch)
	}

	// The mismatched token must not be cached.
	if src.current != nil {
		t.Error("cache should stay empty after a cloud mismatch")
	}
}

func TestSource_OpaqueTokenAccepted(t *testing.T) {
	t.Parallel()

	server := tokenServer(t, "opaque-token", 3600, nil)
	src := NewSource(testCred, testProfile("Public", server.URL), server.Client())

	tok, err := src.AcquireAndValidate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Claims != nil {
		t.Errorf("Claims: got %v, want nil for opaque token", tok.Claims)
	}
}

func TestSource_CachesToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, "cached-token", 3600, &calls)
	src := NewSource(testCred, testProfile("Public", server.URL), server.Client())

	if _, err := src.AcquireAndValidate(context.Background()); err != nil {
		t.Fatalf("acquire error: %v", err)
	}

	token, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token error: %v", err)
	}
	if token != "cached-token" {
		t.Errorf("token: got %q, want %q", token, "cached-token")
	}
	if calls.Load() != 1 {
		t.Errorf("server call count: got %d, want 1 (token should be cached)", calls.Load())
	}
}

func TestSource_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	// Expires almost immediately (minus 5 min buffer = already expired)
	server := tokenServer(t, "short-lived", 1, &calls)
	src := NewSource(testCred, testProfile("Public", server.URL), server.Client())

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("first call error: %v", err)
	}
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("second call error: %v", err)
	}

	if calls.Load() != 2 {
		t.Errorf("server call count: got %d, want 2 (expired token should trigger refresh)", calls.Load())
	}
}

func TestSource_SingleFlightRefresh(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Hold the refresh open so all callers pile up on it.
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "shared-token", ExpiresIn: 3600})
	}))
	defer server.Close()

	src := NewSource(testCred, testProfile("Public", server.URL), server.Client())

	const goroutines = 20
	var wg sync.WaitGroup
	tokens := make([]string, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tokens[idx], errs[idx] = src.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := range tokens {
		if errs[i] != nil {
			t.Errorf("goroutine %d error: %v", i, errs[i])
		}
		if tokens[i] != "shared-token" {
			t.Errorf("goroutine %d token: got %q, want %q", i, tokens[i], "shared-token")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server call count: got %d, want 1 (refresh should be coalesced)", calls.Load())
	}
}

func TestSource_ForceRefresh(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "force-token-" + string(rune('0'+count)),
			ExpiresIn:   3600,
		})
	}))
	defer server.Close()

	src := NewSource(testCred, testProfile("Public", server.URL), server.Client())

	first, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("first call error: %v", err)
	}

	second, err := src.ForceRefresh(context.Background(), first)
	if err != nil {
		t.Fatalf("force refresh error: %v", err)
	}
	if second == first {
		t.Errorf("force refresh returned the stale token %q", second)
	}

	// A second caller holding the same stale token reuses the new one.
	third, err := src.ForceRefresh(context.Background(), first)
	if err != nil {
		t.Fatalf("second force refresh error: %v", err)
	}
	if third != second {
		t.Errorf("token: got %q, want %q", third, second)
	}
	if calls.Load() != 2 {
		t.Errorf("server call count: got %d, want 2", calls.Load())
	}
}

func TestSource_ServerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   relay.Kind
	}{
		{name: "invalid client", status: 401, body: `{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret provided.\r\nTrace ID: x"}`, want: relay.KindPermanentDispatch},
		{name: "bad request", status: 400, body: `{"error":"invalid_request"}`, want: relay.KindPermanentDispatch},
		{name: "throttled", status: 429, body: ``, want: relay.KindTransientDispatch},
		{name: "server error", status: 500, body: `{"error": "internal server error"}`, want: relay.KindTransientDispatch},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			src := NewSource(testCred, testProfile("Public", server.URL), server.Client())
			_, err := src.Token(context.Background())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if relay.KindOf(err) != tt.want {
				t.Errorf("kind: got %s, want %s", relay.KindOf(err), tt.want)
			}
		})
	}
}

func TestSource_AcquireFailureIsConfigInconsistency(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	src := NewSource(testCred, testProfile("Public", server.URL), server.Client())
	_, err := src.AcquireAndValidate(context.Background())
	if relay.KindOf(err) != relay.KindConfigInconsistency {
		t.Errorf("kind: got %s, want %s", relay.KindOf(err), relay.KindConfigInconsistency)
	}
	if !strings.Contains(err.Error(), "invalid_client") {
		t.Errorf("error should mention the oauth error, got %q", err.Error())
	}
}

func TestSource_EmptyAccessToken(t *testing.T) {
	t.Parallel()

	server := tokenServer(t, "", 3600, nil)
	src := NewSource(testCred, testProfile("Public", server.URL), server.Client())

	if _, err := src.Token(context.Background()); err == nil {
		t.Error("expected error for empty access token, got nil")
	}
}

func TestCredential_Redacted(t *testing.T) {
	t.Parallel()

	if s := testCred.String(); strings.Contains(s, "super-secret") {
		t.Errorf("String() leaks the secret: %q", s)
	}
	if v := testCred.LogValue().String(); strings.Contains(v, "super-secret") {
		t.Errorf("LogValue() leaks the secret: %q", v)
	}

	for _, a := range testCred.LogValue().Group() {
		if a.Key == "client_secret" && a.Value.String() != "****" {
			t.Errorf("client_secret: got %q, want %q", a.Value.String(), "****")
		}
	}
	if s := testCred.String(); !strings.HasSuffix(s, " secret=****") {
		t.Errorf("String(): got %q, want a fully masked secret", s)
	}
	if got := redact(""); got != "" {
		t.Errorf("redact(\"\"): got %q, want empty", got)
	}
}
