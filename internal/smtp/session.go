package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-graph-relay/internal/session"
)

// idleTimeout is the maximum time a session can wait for the next line.
const idleTimeout = 60 * time.Second

// maxCommandLine bounds a command line, including CRLF.
const maxCommandLine = 4096

var errLineTooLong = errors.New("line too long")

// Session is one SMTP client connection. It handles greeting, STARTTLS
// and AUTH itself and hands envelope commands to a session.Handler.
type Session struct {
	id       string
	raw      net.Conn
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	log      *slog.Logger
	hostname string

	auth      *Authenticator
	tlsConfig *tls.Config
	maxSize   int64

	greeted       bool
	authenticated bool
	tlsActive     bool

	handler *session.Handler
}

// SessionConfig holds what a Session shares with the server.
type SessionConfig struct {
	Hostname   string
	Dispatcher session.Dispatcher
	Auth       *Authenticator
	TLSConfig  *tls.Config
	Limits     session.Options
	Logger     *slog.Logger
}

// NewSession creates a session for conn. id identifies the session in
// logs and transactions.
func NewSession(id string, conn net.Conn, cfg SessionConfig) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", id, "remote", conn.RemoteAddr().String())

	auth := cfg.Auth
	if auth == nil {
		auth = NewAuthenticator("", "")
	}

	return &Session{
		id:        id,
		raw:       conn,
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, maxCommandLine),
		writer:    bufio.NewWriter(conn),
		log:       log,
		hostname:  cfg.Hostname,
		auth:      auth,
		tlsConfig: cfg.TLSConfig,
		maxSize:   cfg.Limits.MaxMessageSize,
		handler:   session.New(id, cfg.Dispatcher, cfg.Limits, log),
	}
}

// Handle runs the command loop until the client quits, the connection
// fails, or ctx is cancelled. On cancellation the client gets a 421 reply
// at the next command boundary; a running delivery completes first.
func (s *Session) Handle(ctx context.Context) {
	defer func() { s.conn.Close() }()

	// Wake a blocked read on shutdown. Only reads are interrupted, so a
	// reply for a delivery in progress can still be written.
	stop := context.AfterFunc(ctx, func() {
		s.raw.SetReadDeadline(time.Now())
	})
	defer stop()

	s.log.Debug("session started")
	defer s.log.Debug("session ended")

	s.writeLine("220 %s ESMTP smtp-graph-relay", s.hostname)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}
		if ctx.Err() != nil {
			s.shutdown()
			return
		}

		line, err := s.readCommand()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.shutdown()
			case errors.Is(err, errLineTooLong):
				s.writeLine("500 5.5.2 Line too long")
				continue
			case errors.Is(err, io.EOF):
			default:
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

func (s *Session) shutdown() {
	s.handler.Reset()
	s.writeLine("421 4.3.2 %s Service shutting down", s.hostname)
}

// handleCommand processes one command and reports whether the session
// should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.reply(s.handler.Reset())
	case "NOOP":
		s.writeLine("250 2.0.0 Ok")
	case "VRFY":
		s.writeLine("252 2.5.2 Cannot VRFY user")
	case "QUIT":
		s.writeLine("221 2.0.0 Bye")
		return true
	default:
		s.writeLine("500 5.5.2 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 5.5.4 Syntax: %s hostname", cmd)
		return
	}

	// A new greeting resets any open transaction.
	s.handler.Reset()
	s.greeted = true

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() && !s.authenticated {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	if s.maxSize > 0 {
		s.writeLine("250-SIZE %d", s.maxSize)
	}
	s.writeLine("250-ENHANCEDSTATUSCODES")
	s.writeLine("250 8BITMIME")
}

// handleSTARTTLS upgrades the connection. A failed handshake ends the
// session.
func (s *Session) handleSTARTTLS() bool {
	if s.tlsConfig == nil {
		s.writeLine("454 4.7.0 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("503 5.5.1 TLS already active")
		return false
	}

	s.writeLine("220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn("TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReaderSize(tlsConn, maxCommandLine)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true

	// RFC 3207: the client must greet again and state is discarded.
	s.greeted = false
	s.authenticated = false
	s.handler.Reset()
	return false
}

func (s *Session) handleAUTH(arg string) {
	if !s.greeted {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 5.5.1 AUTH not available")
		return
	}
	if s.authenticated {
		s.writeLine("503 5.5.1 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 5.5.4 Unrecognized authentication type")
		return
	}

	switch {
	case err == nil:
		s.authenticated = true
		s.writeLine("235 2.7.0 Authentication successful")
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 5.0.0 Authentication cancelled")
	case errors.Is(err, ErrAuthMalformed):
		s.writeLine("501 5.5.2 Cannot decode response")
	default:
		s.log.Warn("authentication failed", "error", err)
		s.writeLine("535 5.7.8 Authentication credentials invalid")
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		s.writeLine("334 ")
		line, err := s.readCommand()
		if err != nil {
			return err
		}
		encoded = line
	}
	if encoded == "*" {
		return errAuthCancelled
	}
	return s.auth.VerifyPlain(encoded)
}

func (s *Session) authLogin() error {
	s.writeLine("334 VXNlcm5hbWU6")
	user, err := s.readCommand()
	if err != nil {
		return err
	}
	if user == "*" {
		return errAuthCancelled
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	pass, err := s.readCommand()
	if err != nil {
		return err
	}
	if pass == "*" {
		return errAuthCancelled
	}
	return s.auth.VerifyLogin(user, pass)
}

func (s *Session) handleMAIL(arg string) {
	if !s.greeted {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && !s.authenticated {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}

	if !hasPrefixFold(arg, "FROM:") {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	addr, params, ok := extractAddress(arg[5:])
	if !ok {
		s.writeLine("501 5.1.7 Syntax: MAIL FROM:<address>")
		return
	}

	if v, ok := params["SIZE"]; ok && s.maxSize > 0 {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > s.maxSize {
			s.writeLine("552 5.3.4 Message size exceeds fixed maximum message size")
			return
		}
	}

	s.reply(s.handler.Mail(addr))
}

func (s *Session) handleRCPT(arg string) {
	if !hasPrefixFold(arg, "TO:") {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	addr, _, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 5.1.3 Syntax: RCPT TO:<address>")
		return
	}
	s.reply(s.handler.Rcpt(addr))
}

// handleDATA reads the message and delivers it. It reports whether the
// session should end because the connection failed mid-message.
func (s *Session) handleDATA(ctx context.Context) bool {
	r := s.handler.Data()
	s.reply(r)
	if r.Code != 354 {
		return false
	}

	raw, tooBig, err := s.readData(ctx)
	if err != nil {
		s.handler.Reset()
		if ctx.Err() != nil {
			s.writeLine("421 4.3.2 %s Service shutting down", s.hostname)
		} else {
			s.log.Warn("error reading DATA", "error", err)
		}
		return true
	}
	if tooBig {
		s.log.Warn("message exceeds size limit", "limit", s.maxSize)
		s.reply(s.handler.Oversize())
		return false
	}

	s.reply(s.handler.Deliver(ctx, raw))
	return false
}

// readData reads dot-stuffed message content up to the terminating line.
// Content beyond the size limit is drained and dropped.
func (s *Session) readData(ctx context.Context) (raw []byte, tooBig bool, err error) {
	var buf bytes.Buffer
	lineStart := true

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, false, err
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		chunk, err := s.reader.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, false, err
		}

		if lineStart && chunk[0] == '.' {
			if isTerminator(chunk) {
				return buf.Bytes(), tooBig, nil
			}
			chunk = chunk[1:]
		}
		lineStart = chunk[len(chunk)-1] == '\n'

		if tooBig {
			continue
		}
		if s.maxSize > 0 && int64(buf.Len()+len(chunk)) > s.maxSize {
			tooBig = true
			buf.Reset()
			continue
		}
		buf.Write(chunk)
	}
}

func isTerminator(line []byte) bool {
	return string(line) == ".\r\n" || string(line) == ".\n"
}

// readCommand reads one CRLF-terminated line. Overlong lines are drained
// and reported as errLineTooLong.
func (s *Session) readCommand() (string, error) {
	line, err := s.reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = s.reader.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (s *Session) reply(r session.Reply) {
	s.writeLine("%s", r.String())
}

// writeLine writes a formatted line to the client, followed by CRLF.
func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.log.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// extractAddress returns the path of a MAIL or RCPT argument, in angle
// brackets or bare, and its ESMTP parameters keyed by upper-case name.
// ok is false when no path could be read. The null path "<>" is ok with
// an empty address.
func extractAddress(s string) (addr string, params map[string]string, ok bool) {
	s = strings.TrimSpace(s)

	var rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil, false
		}
		addr, rest = strings.TrimSpace(s[1:end]), s[end+1:]
		ok = true
	} else {
		addr, rest, _ = strings.Cut(s, " ")
		ok = addr != ""
	}

	for _, p := range strings.Fields(rest) {
		if params == nil {
			params = make(map[string]string)
		}
		k, v, _ := strings.Cut(p, "=")
		params[strings.ToUpper(k)] = v
	}
	return addr, params, ok
}
