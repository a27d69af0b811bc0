package smtp

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-graph-relay/internal/relay"
	"github.com/shineum/smtp-graph-relay/internal/session"
)

// recordingDispatcher claims every transaction and reports a fixed outcome.
type recordingDispatcher struct {
	mu      sync.Mutex
	txs     []*relay.Transaction
	outcome relay.Outcome
	wait    chan struct{}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, tx *relay.Transaction) relay.Result {
	if d.wait != nil {
		<-d.wait
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.txs = append(d.txs, tx)
	if err := tx.Claim(); err != nil {
		return relay.Result{Outcome: relay.OutcomeRejected, Err: err}
	}
	outcome := d.outcome
	if outcome == 0 {
		outcome = relay.OutcomeDelivered
	}
	if outcome == relay.OutcomeDelivered {
		tx.Finish(relay.StateAccepted)
	} else {
		tx.Finish(relay.StateRejected)
	}
	return relay.Result{Outcome: outcome}
}

func (d *recordingDispatcher) transactions() []*relay.Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*relay.Transaction(nil), d.txs...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// testConn is the client side of a running session.
type testConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// startSession runs a session on a fresh TCP pair and consumes the greeting.
func startSession(t *testing.T, ctx context.Context, cfg SessionConfig) *testConn {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	if cfg.Hostname == "" {
		cfg.Hostname = "mail.test.com"
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	sess := NewSession("test-session", server, cfg)
	go sess.Handle(ctx)

	c := &testConn{t: t, conn: client, reader: bufio.NewReader(client)}
	if greeting := c.read(); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return c
}

func (c *testConn) read() string {
	c.t.Helper()
	return readLine(c.t, c.reader)
}

// cmd sends a command and returns the last line of the reply.
func (c *testConn) cmd(line string) string {
	c.t.Helper()
	sendCmd(c.t, c.conn, line)
	for {
		resp := c.read()
		if len(resp) < 4 || resp[3] != '-' {
			return resp
		}
	}
}

// ehlo sends EHLO and returns all reply lines.
func (c *testConn) ehlo() []string {
	c.t.Helper()
	sendCmd(c.t, c.conn, "EHLO client.test.com")
	var lines []string
	for {
		line := c.read()
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			return lines
		}
	}
}

func (c *testConn) expect(line, prefix string) {
	c.t.Helper()
	if resp := c.cmd(line); !strings.HasPrefix(resp, prefix) {
		c.t.Fatalf("%s: got %q, want prefix %q", line, resp, prefix)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()

	sess := NewSession("s1", server, SessionConfig{Hostname: "relay.example.com", Logger: discardLogger()})
	go sess.Handle(testContext(t))

	greeting := readLine(t, bufio.NewReader(client))
	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}
	if !strings.Contains(greeting, "relay.example.com") {
		t.Errorf("greeting should contain hostname, got %q", greeting)
	}
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	c := startSession(t, testContext(t), SessionConfig{
		Dispatcher: &recordingDispatcher{},
		Auth:       NewAuthenticator("user", "pass"),
		Limits:     session.Options{MaxMessageSize: 1024},
	})

	lines := c.ehlo()
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"AUTH PLAIN LOGIN", "SIZE 1024", "ENHANCEDSTATUSCODES"} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO response missing %q:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Errorf("EHLO should not advertise STARTTLS without TLS config:\n%s", joined)
	}
}

func TestSession_SimpleCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd  string
		want string
	}{
		{"HELO client.test.com", "250 "},
		{"NOOP", "250 "},
		{"RSET", "250 "},
		{"VRFY someone", "252 "},
		{"EHLO", "501 "},
		{"INVALID", "500 "},
		{"STARTTLS", "454 "},
		{"QUIT", "221 "},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.cmd, func(t *testing.T) {
			t.Parallel()
			c := startSession(t, testContext(t), SessionConfig{Dispatcher: &recordingDispatcher{}})
			c.expect(tt.cmd, tt.want)
		})
	}
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	c := startSession(t, testContext(t), SessionConfig{Dispatcher: d})

	c.ehlo()
	c.expect("MAIL FROM:<app@example.com>", "250 2.1.0")
	c.expect("RCPT TO:<a@example.com>", "250 2.1.5")
	c.expect("RCPT TO:<b@example.com>", "250 2.1.5")
	c.expect("DATA", "354 ")

	message := strings.Join([]string{
		"From: app@example.com",
		"To: a@example.com",
		"Subject: Test Email",
		"",
		"..leading dot",
		"Hello.",
		".",
	}, "\r\n")
	if _, err := c.conn.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	if resp := c.read(); !strings.HasPrefix(resp, "250 2.0.0") {
		t.Fatalf("DATA completion: got %q, want prefix '250 2.0.0'", resp)
	}

	txs := d.transactions()
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	tx := txs[0]
	if tx.EnvelopeFrom != "app@example.com" {
		t.Errorf("envelope from: got %q, want %q", tx.EnvelopeFrom, "app@example.com")
	}
	if got := strings.Join(tx.Recipients, ","); got != "a@example.com,b@example.com" {
		t.Errorf("recipients: got %q", got)
	}
	if tx.SessionID != "test-session" {
		t.Errorf("session id: got %q, want %q", tx.SessionID, "test-session")
	}
	if !strings.Contains(string(tx.Raw), "\r\n.leading dot\r\n") {
		t.Errorf("dot-stuffing not undone: %q", tx.Raw)
	}
	if !strings.HasSuffix(string(tx.Raw), "\r\nHello.\r\n") {
		t.Errorf("message should end with the last content line: %q", tx.Raw)
	}

	// The session is idle again and accepts a new transaction.
	c.expect("MAIL FROM:<app@example.com>", "250 ")
}

func TestSession_NullReversePath(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	c := startSession(t, testContext(t), SessionConfig{Dispatcher: d})

	c.ehlo()
	c.expect("MAIL FROM:<>", "250 2.1.0")
	c.expect("RCPT TO:<>", "501 5.1.3")
	c.expect("RCPT TO:<postmaster@example.com>", "250 2.1.5")
	c.expect("DATA", "354 ")
	c.expect("Subject: delivery report\r\n\r\nbody\r\n.", "250 2.0.0")

	txs := d.transactions()
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	if txs[0].EnvelopeFrom != "" {
		t.Errorf("envelope from: got %q, want empty", txs[0].EnvelopeFrom)
	}
	if got := strings.Join(txs[0].Recipients, ","); got != "postmaster@example.com" {
		t.Errorf("recipients: got %q", got)
	}
}

func TestSession_TempFailure(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{outcome: relay.OutcomeTempFailed}
	c := startSession(t, testContext(t), SessionConfig{Dispatcher: d})

	c.ehlo()
	c.expect("MAIL FROM:<app@example.com>", "250 ")
	c.expect("RCPT TO:<a@example.com>", "250 ")
	c.expect("DATA", "354 ")
	c.expect("Subject: x\r\n\r\nbody\r\n.", "451 4.3.0")
}

func TestSession_DataWithoutRecipients(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	c := startSession(t, testContext(t), SessionConfig{Dispatcher: d})

	c.ehlo()
	c.expect("MAIL FROM:<app@example.com>", "250 ")
	c.expect("DATA", "503 5.5.1")

	// The violation discarded the transaction; a full sequence still works.
	c.expect("RCPT TO:<a@example.com>", "503 ")
	c.expect("MAIL FROM:<app@example.com>", "250 ")
	c.expect("RCPT TO:<a@example.com>", "250 ")
	c.expect("DATA", "354 ")
	c.expect("Subject: x\r\n\r\nbody\r\n.", "250 ")

	if n := len(d.transactions()); n != 1 {
		t.Fatalf("got %d transactions, want 1", n)
	}
}

func TestSession_SecondMail(t *testing.T) {
	t.Parallel()

	c := startSession(t, testContext(t), SessionConfig{Dispatcher: &recordingDispatcher{}})

	c.ehlo()
	c.expect("MAIL FROM:<app@example.com>", "250 ")
	c.expect("MAIL FROM:<other@example.com>", "503 5.5.1")
	c.expect("RCPT TO:<a@example.com>", "503 ")
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	c := startSession(t, testContext(t), SessionConfig{Dispatcher: &recordingDispatcher{}})

	c.ehlo()
	c.expect("MAIL FROM:<sender@example.com>", "250 ")
	c.expect("RSET", "250 ")
	c.expect("RCPT TO:<recipient@example.com>", "503 ")
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	c := startSession(t, testContext(t), SessionConfig{
		Dispatcher: &recordingDispatcher{},
		Auth:       NewAuthenticator("user", "pass"),
	})

	c.expect("MAIL FROM:<sender@example.com>", "503 ")
	c.expect("AUTH PLAIN dGVzdA==", "503 ")
	c.ehlo()
	c.expect("MAIL FROM:<sender@example.com>", "530 ")
	c.expect("RCPT TO:<recipient@example.com>", "503 ")
	c.expect("DATA", "503 ")
}

func TestSession_Auth(t *testing.T) {
	t.Parallel()

	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	t.Run("plain", func(t *testing.T) {
		t.Parallel()
		c := startSession(t, testContext(t), SessionConfig{
			Dispatcher: &recordingDispatcher{},
			Auth:       NewAuthenticator("user", "pass"),
		})
		c.ehlo()
		c.expect("AUTH PLAIN "+enc("\x00user\x00wrong"), "535 ")
		c.expect("AUTH PLAIN "+enc("\x00user\x00pass"), "235 ")
		c.expect("MAIL FROM:<sender@example.com>", "250 ")
	})

	t.Run("login", func(t *testing.T) {
		t.Parallel()
		c := startSession(t, testContext(t), SessionConfig{
			Dispatcher: &recordingDispatcher{},
			Auth:       NewAuthenticator("user", "pass"),
		})
		c.ehlo()
		c.expect("AUTH LOGIN", "334 ")
		c.expect(enc("user"), "334 ")
		c.expect(enc("pass"), "235 ")
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		c := startSession(t, testContext(t), SessionConfig{
			Dispatcher: &recordingDispatcher{},
			Auth:       NewAuthenticator("user", "pass"),
		})
		c.ehlo()
		c.expect("AUTH PLAIN", "334")
		c.expect("*", "501 ")
	})
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{}
	c := startSession(t, testContext(t), SessionConfig{
		Dispatcher: d,
		Limits:     session.Options{MaxMessageSize: 64},
	})

	c.ehlo()
	c.expect("MAIL FROM:<app@example.com> SIZE=1000", "552 5.3.4")
	c.expect("MAIL FROM:<app@example.com>", "250 ")
	c.expect("RCPT TO:<a@example.com>", "250 ")
	c.expect("DATA", "354 ")
	c.expect("Subject: big\r\n\r\n"+strings.Repeat("x", 200)+"\r\n.", "552 5.3.4")

	if n := len(d.transactions()); n != 0 {
		t.Errorf("got %d transactions, want 0", n)
	}
	c.expect("MAIL FROM:<app@example.com>", "250 ")
}

func TestSession_RecipientLimit(t *testing.T) {
	t.Parallel()

	c := startSession(t, testContext(t), SessionConfig{
		Dispatcher: &recordingDispatcher{},
		Limits:     session.Options{MaxRecipients: 1},
	})

	c.ehlo()
	c.expect("MAIL FROM:<app@example.com>", "250 ")
	c.expect("RCPT TO:<a@example.com>", "250 ")
	c.expect("RCPT TO:<b@example.com>", "452 4.5.3")
}

func TestSession_ShutdownWhileIdle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(testContext(t))
	c := startSession(t, ctx, SessionConfig{Dispatcher: &recordingDispatcher{}})
	c.ehlo()

	cancel()
	if resp := c.read(); !strings.HasPrefix(resp, "421 ") {
		t.Fatalf("got %q, want prefix '421 '", resp)
	}
}

func TestSession_ShutdownDuringDelivery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(testContext(t))
	d := &recordingDispatcher{wait: make(chan struct{})}
	c := startSession(t, ctx, SessionConfig{Dispatcher: d})

	c.ehlo()
	c.expect("MAIL FROM:<app@example.com>", "250 ")
	c.expect("RCPT TO:<a@example.com>", "250 ")
	c.expect("DATA", "354 ")
	sendCmd(t, c.conn, "Subject: x\r\n\r\nbody\r\n.")

	// Shut down while the delivery is still running; its reply must
	// still reach the client.
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(d.wait)

	if resp := c.read(); !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("delivery reply: got %q, want prefix '250 '", resp)
	}
	if resp := c.read(); !strings.HasPrefix(resp, "421 ") {
		t.Fatalf("after delivery: got %q, want prefix '421 '", resp)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"RCPT TO:<user@example.com>", "RCPT", "TO:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("command: got %q, want %q", cmd, tt.wantCmd)
			}
			if arg != tt.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tt.wantArg)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		want     string
		wantOK   bool
		wantSize string
	}{
		{"<user@example.com>", "user@example.com", true, ""},
		{"  <user@example.com>  ", "user@example.com", true, ""},
		{"user@example.com", "user@example.com", true, ""},
		{"<user@example.com> SIZE=1234 BODY=8BITMIME", "user@example.com", true, "1234"},
		{"user@example.com size=10", "user@example.com", true, "10"},
		{"<user@example.com", "", false, ""},
		{"<>", "", true, ""},
		{"<> SIZE=99", "", true, "99"},
		{"", "", false, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, params, ok := extractAddress(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("extractAddress(%q): got (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
			if size := params["SIZE"]; size != tt.wantSize {
				t.Errorf("SIZE: got %q, want %q", size, tt.wantSize)
			}
		})
	}
}
