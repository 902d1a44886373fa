package smtp

import (
	"bufio"
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

	"github.com/google/uuid"

	"github.com/shineum/mailcoach-relay/internal/email"
	"github.com/shineum/mailcoach-relay/internal/parser"
	"github.com/shineum/mailcoach-relay/internal/provider"
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// Session is one client connection. It is not safe for concurrent use.
type Session struct {
	id     string
	log    *slog.Logger
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	hostname  string
	auth      *Authenticator
	provider  provider.Provider
	tlsConfig *tls.Config
	maxSize   int64

	greeted       bool
	authenticated bool
	tlsActive     bool

	// Current transaction
	inTransaction bool
	mailFrom      string
	rcptTo        []string
}

func newSession(conn net.Conn, srv *Server) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		log:       slog.With("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		hostname:  srv.config.Hostname,
		auth:      srv.auth,
		provider:  srv.config.Provider,
		tlsConfig: srv.config.TLSConfig,
		maxSize:   srv.config.MaxMessageSize,
	}
}

// Handle runs the command loop until QUIT, a read error, or ctx is done.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.log.Debug("session started")
	s.reply("220 %s ESMTP mailcoach-relay", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.reply("421 4.3.2 Service shutting down")
			return
		default:
		}

		line, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand dispatches one command and reports whether the session is over.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleHello(cmd, arg)
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
		s.resetTransaction()
		s.reply("250 2.0.0 OK")
	case "NOOP":
		s.reply("250 2.0.0 OK")
	case "QUIT":
		s.reply("221 2.0.0 Bye")
		return true
	default:
		s.reply("500 5.5.2 Unrecognized command")
	}
	return false
}

func (s *Session) handleHello(cmd, arg string) {
	if arg == "" {
		s.reply("501 5.5.4 Syntax: %s hostname", cmd)
		return
	}

	s.greeted = true
	s.resetTransaction()

	if cmd == "HELO" {
		s.reply("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.reply("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.reply("250-STARTTLS")
	}
	if s.auth.Enabled() && !s.authenticated {
		s.reply("250-AUTH PLAIN LOGIN")
	}
	s.reply("250-8BITMIME")
	s.reply("250 SIZE %d", s.maxSize)
}

// handleSTARTTLS upgrades the connection. A failed handshake ends the session.
func (s *Session) handleSTARTTLS() bool {
	if s.tlsConfig == nil {
		s.reply("454 4.7.0 TLS not available")
		return false
	}
	if s.tlsActive {
		s.reply("503 5.5.1 TLS already active")
		return false
	}

	s.reply("220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn("TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true

	// RFC 3207: the client must greet again and nothing learned before the
	// handshake survives it.
	s.greeted = false
	s.authenticated = false
	s.resetTransaction()
	return false
}

func (s *Session) handleAUTH(arg string) {
	switch {
	case !s.greeted:
		s.reply("503 5.5.1 Send EHLO/HELO first")
		return
	case !s.auth.Enabled():
		s.reply("503 5.5.1 AUTH not available")
		return
	case s.authenticated:
		s.reply("503 5.5.1 Already authenticated")
		return
	case s.inTransaction:
		s.reply("503 5.5.1 AUTH not allowed during a mail transaction")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(strings.TrimSpace(initial))
	case "LOGIN":
		err = s.authLogin()
	default:
		s.reply("504 5.5.4 Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.reply("501 5.7.0 Authentication cancelled")
	case err != nil:
		s.log.Info("authentication failed", "mechanism", strings.ToUpper(mechanism), "error", err)
		s.reply("535 5.7.8 Authentication credentials invalid")
	default:
		s.authenticated = true
		s.reply("235 2.7.0 Authentication successful")
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		s.reply("334 ")
		line, err := s.readLine()
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
	// base64 "Username:" and "Password:"
	s.reply("334 VXNlcm5hbWU6")
	user, err := s.readLine()
	if err != nil {
		return err
	}
	if user == "*" {
		return errAuthCancelled
	}

	s.reply("334 UGFzc3dvcmQ6")
	pass, err := s.readLine()
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
		s.reply("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && !s.authenticated {
		s.reply("530 5.7.0 Authentication required")
		return
	}
	if s.inTransaction {
		s.reply("503 5.5.1 Sender already specified")
		return
	}

	if !hasPrefixFold(arg, "FROM:") {
		s.reply("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	addr, params, ok := extractAddress(arg[len("FROM:"):])
	if !ok {
		s.reply("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := declaredSize(params); ok && size > s.maxSize {
		s.reply("552 5.3.4 Message size exceeds fixed maximum message size")
		return
	}

	s.inTransaction = true
	s.mailFrom = addr
	s.rcptTo = nil
	s.reply("250 2.1.0 OK")
}

func (s *Session) handleRCPT(arg string) {
	if !s.inTransaction {
		s.reply("503 5.5.1 Send MAIL FROM first")
		return
	}
	if !hasPrefixFold(arg, "TO:") {
		s.reply("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	addr, _, ok := extractAddress(arg[len("TO:"):])
	if !ok || addr == "" {
		s.reply("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.reply("250 2.1.5 OK")
}

// handleDATA reads the message, hands it to the provider and replies with
// the outcome. It reports whether the session is over.
func (s *Session) handleDATA(ctx context.Context) bool {
	if !s.inTransaction || len(s.rcptTo) == 0 {
		s.reply("503 5.5.1 Send RCPT TO first")
		return false
	}

	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if errors.Is(err, errMessageTooLarge) {
		s.log.Warn("message rejected", "reason", "too large", "limit", s.maxSize)
		s.reply("552 5.3.4 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	}
	if err != nil {
		s.log.Debug("error reading DATA", "error", err)
		return true
	}

	defer s.resetTransaction()

	msg, err := parser.Parse(raw)
	if err != nil {
		s.log.Warn("failed to parse message", "error", err)
		s.reply("554 5.6.0 Failed to parse message")
		return false
	}
	applyEnvelope(msg, s.mailFrom, s.rcptTo)
	if msg.MessageID() == "" {
		msg.SetMessageID(fmt.Sprintf("<%s@%s>", uuid.NewString(), s.hostname))
	}

	// An accepted DATA is delivered even if shutdown starts meanwhile.
	count, err := s.provider.Send(context.WithoutCancel(ctx), msg)
	if err != nil {
		permanent := provider.IsPermanent(err)
		s.log.Error("provider send failed",
			"provider", s.provider.Name(),
			"message_id", msg.MessageID(),
			"permanent", permanent,
			"error", err,
		)
		if permanent {
			s.reply("554 5.6.0 Message rejected by %s", s.provider.Name())
		} else {
			s.reply("451 4.3.0 Temporary failure, please try again later")
		}
		return false
	}

	s.log.Info("message relayed",
		"provider", s.provider.Name(),
		"message_id", msg.MessageID(),
		"recipients", count,
		"size", len(raw),
	)
	s.reply("250 2.0.0 OK queued for %d recipients", count)
	return false
}

var errMessageTooLarge = errors.New("message too large")

// readData reads a dot-terminated message body and undoes dot-stuffing.
// An oversized message is drained to its terminator before
// errMessageTooLarge is returned so the session stays in sync.
func (s *Session) readData() ([]byte, error) {
	var (
		buf     []byte
		tooBig  bool
		lineErr error
	)
	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			lineErr = err
			break
		}
		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		if tooBig {
			continue
		}
		if int64(len(buf)+len(line)) > s.maxSize {
			tooBig = true
			buf = nil
			continue
		}
		buf = append(buf, line...)
	}

	switch {
	case lineErr != nil:
		return nil, lineErr
	case tooBig:
		return nil, errMessageTooLarge
	}
	return buf, nil
}

// applyEnvelope fills in what the headers left out using the SMTP envelope.
// A missing From comes from MAIL FROM. When the headers name no recipients
// at all the RCPT list becomes To; otherwise RCPT addresses not already
// present are added as Bcc.
func applyEnvelope(msg *email.Email, mailFrom string, rcptTo []string) {
	if len(msg.From()) == 0 && mailFrom != "" {
		msg.SetFrom(mailFrom, "")
	}

	noHeaderRecipients := len(msg.Recipients()) == 0
	for _, rcpt := range rcptTo {
		if msg.HasRecipient(rcpt) {
			continue
		}
		if noHeaderRecipients {
			msg.AddTo(rcpt, "")
		} else {
			msg.AddBcc(rcpt, "")
		}
	}
}

// resetTransaction clears the envelope. Greeting and auth state survive.
func (s *Session) resetTransaction() {
	s.inTransaction = false
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *Session) readLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// reply writes one CRLF-terminated response line and flushes it.
func (s *Session) reply(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.log.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into its upper-cased verb and argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// extractAddress parses the path of a MAIL or RCPT argument, in angle
// brackets or bare, and returns it with any trailing ESMTP parameters.
// The null path "<>" yields an empty address.
func extractAddress(s string) (addr, params string, ok bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return "", "", false
		}
		return strings.TrimSpace(s[1:end]), strings.TrimSpace(s[end+1:]), true
	}

	addr, params, _ = strings.Cut(s, " ")
	return addr, strings.TrimSpace(params), addr != ""
}

// declaredSize returns the SIZE= value of MAIL FROM parameters, if any.
func declaredSize(params string) (int64, bool) {
	for _, p := range strings.Fields(params) {
		key, value, found := strings.Cut(p, "=")
		if !found || !strings.EqualFold(key, "SIZE") {
			continue
		}
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return size, true
	}
	return 0, false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
