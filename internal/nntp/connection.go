// Package nntp implements the NNTP client layer: a connection-oriented,
// stateful protocol with command/response framing and terminator-aware
// streaming body transfer, plus the yEnc decode stream on top of it.
//
// Grounded on sirrobot01-decypharr's internal/nntp package (Connection,
// Pool, error classification), generalized per spec.md §4.1 to stream the
// body through a bounded buffer instead of buffering the whole article.
package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConnState is the Connection's lifecycle state (spec.md §4.1).
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateGreeted
	StateAuthenticated
	StateIdle
	StateInCommand
	StateInBodyTransfer
	StateBroken
)

// Response is a parsed NNTP status line, optionally followed by a
// dot-terminated block of text lines for non-body multi-line responses.
type Response struct {
	Code    int
	Message string
	Lines   []string
}

// GroupInfo is the parsed reply to a GROUP command.
type GroupInfo struct {
	Name string
	Low  int
	High int
	// Count is the article count reported by the server; servers may lie
	// about this for performance, per RFC 3977.
	Count int
}

// Connection is one TCP/TLS socket speaking NNTP. Only one caller at a time
// may hold it (enforced by the Pool's single-lease discipline); cmdMu
// additionally serializes command-level operations within a lease so a
// background body-transfer task finishes before the next command is
// admitted (spec.md §4.1).
type Connection struct {
	address, username, password string
	port                        int
	useSSL, useStartTLS         bool
	opTimeout                   time.Duration

	conn net.Conn
	text *textproto.Conn

	cmdMu sync.Mutex
	state ConnState

	log *slog.Logger
}

// DialOptions configures a new Connection.
type DialOptions struct {
	Host               string
	Port               int
	SSL                bool // direct TLS on connect
	StartTLS           bool // plaintext connect then STARTTLS upgrade
	InsecureSkipVerify bool
	Username, Password string
	OperationTimeout   time.Duration
}

// Dial opens a TCP/TLS socket, reads the greeting, authenticates if
// credentials are present, and upgrades to TLS via STARTTLS if requested.
func Dial(ctx context.Context, opts DialOptions, log *slog.Logger) (*Connection, error) {
	if log == nil {
		log = slog.Default()
	}
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)

	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if opts.SSL {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, connectError(fmt.Errorf("dial %s: %w", addr, err))
	}

	opTimeout := opts.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}

	c := &Connection{
		address:      opts.Host,
		port:         opts.Port,
		username:     opts.Username,
		password:     opts.Password,
		useSSL:       opts.SSL,
		useStartTLS:  opts.StartTLS,
		opTimeout:    opTimeout,
		conn:         conn,
		text:         textproto.NewConn(conn),
		state:        StateConnecting,
		log:          log.With("component", "nntp.connection", "addr", addr),
	}

	if err := c.deadline(); err != nil {
		_ = c.close()
		return nil, err
	}
	resp, err := c.readResponse()
	if err != nil {
		_ = c.close()
		return nil, connectError(fmt.Errorf("read greeting: %w", err))
	}
	if resp.Code != 200 && resp.Code != 201 {
		_ = c.close()
		return nil, connectError(fmt.Errorf("unexpected greeting %d %s", resp.Code, resp.Message))
	}
	c.state = StateGreeted

	if opts.StartTLS {
		if err := c.startTLS(opts.InsecureSkipVerify); err != nil {
			_ = c.close()
			return nil, err
		}
	}

	if opts.Username != "" {
		if err := c.authenticate(); err != nil {
			_ = c.close()
			return nil, err
		}
		c.state = StateAuthenticated
	} else {
		c.state = StateIdle
	}

	return c, nil
}

func (c *Connection) deadline() error {
	return c.conn.SetDeadline(time.Now().Add(c.opTimeout))
}

func (c *Connection) authenticate() error {
	if err := c.sendCommand(fmt.Sprintf("AUTHINFO USER %s", c.username)); err != nil {
		return connectError(err)
	}
	resp, err := c.readResponse()
	if err != nil {
		return connectError(err)
	}
	if resp.Code == 281 {
		return nil // server accepted username alone
	}
	if resp.Code != 381 {
		return classifyResponse(resp.Code, resp.Message)
	}

	if err := c.sendCommand(fmt.Sprintf("AUTHINFO PASS %s", c.password)); err != nil {
		return connectError(err)
	}
	resp, err = c.readResponse()
	if err != nil {
		return connectError(err)
	}
	if resp.Code != 281 {
		return classifyResponse(resp.Code, resp.Message)
	}
	return nil
}

func (c *Connection) startTLS(insecureSkipVerify bool) error {
	if err := c.sendCommand("STARTTLS"); err != nil {
		return connectError(err)
	}
	resp, err := c.readResponse()
	if err != nil {
		return connectError(err)
	}
	if resp.Code != 382 {
		return classifyResponse(resp.Code, resp.Message)
	}

	tlsConn := tls.Client(c.conn, &tls.Config{
		ServerName:         c.address,
		InsecureSkipVerify: insecureSkipVerify,
	})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return connectError(fmt.Errorf("tls handshake: %w", err))
	}
	c.conn = tlsConn
	c.text = textproto.NewConn(tlsConn)
	return nil
}

// Ping issues DATE to verify the connection is still alive, used by the
// pool's idle health check (spec.md §4.3).
func (c *Connection) Ping(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if err := c.deadline(); err != nil {
		return err
	}
	if err := c.sendCommand("DATE"); err != nil {
		return connectError(err)
	}
	resp, err := c.readResponse()
	if err != nil {
		return connectError(err)
	}
	if resp.Code != 111 {
		return classifyResponse(resp.Code, resp.Message)
	}
	return nil
}

func (c *Connection) sendCommand(cmd string) error {
	return c.text.PrintfLine("%s", cmd)
}

func (c *Connection) readResponse() (*Response, error) {
	line, err := c.text.ReadLine()
	if err != nil {
		c.state = StateBroken
		return nil, err
	}
	parts := strings.SplitN(line, " ", 2)
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		c.state = StateBroken
		return nil, fmt.Errorf("invalid response code %q", parts[0])
	}
	msg := ""
	if len(parts) > 1 {
		msg = parts[1]
	}
	return &Response{Code: code, Message: msg}, nil
}

// Stat issues STAT and reports whether the article exists.
func (c *Connection) Stat(ctx context.Context, messageID string) (bool, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if err := c.deadline(); err != nil {
		return false, err
	}
	if err := c.sendCommand(fmt.Sprintf("STAT %s", FormatMessageID(messageID))); err != nil {
		return false, connectError(err)
	}
	resp, err := c.readResponse()
	if err != nil {
		return false, connectError(err)
	}
	switch resp.Code {
	case 223:
		return true, nil
	case 430, 423:
		return false, nil
	default:
		return false, classifyResponse(resp.Code, resp.Message)
	}
}

// Head issues HEAD and returns the raw header block (small, buffered).
func (c *Connection) Head(ctx context.Context, messageID string) ([]byte, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if err := c.deadline(); err != nil {
		return nil, err
	}
	if err := c.sendCommand(fmt.Sprintf("HEAD %s", FormatMessageID(messageID))); err != nil {
		return nil, connectError(err)
	}
	resp, err := c.readResponse()
	if err != nil {
		return nil, connectError(err)
	}
	if resp.Code != 221 {
		return nil, classifyResponse(resp.Code, resp.Message)
	}
	lines, err := c.text.ReadDotLines()
	if err != nil {
		return nil, protocolError(err)
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n"), nil
}

// Group issues GROUP and returns the parsed reply.
func (c *Connection) Group(ctx context.Context, name string) (*GroupInfo, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if err := c.deadline(); err != nil {
		return nil, err
	}
	if err := c.sendCommand(fmt.Sprintf("GROUP %s", name)); err != nil {
		return nil, connectError(err)
	}
	resp, err := c.readResponse()
	if err != nil {
		return nil, connectError(err)
	}
	if resp.Code != 211 {
		return nil, classifyResponse(resp.Code, resp.Message)
	}
	fields := strings.Fields(resp.Message)
	if len(fields) < 4 {
		return nil, protocolError(fmt.Errorf("malformed GROUP reply %q", resp.Message))
	}
	gi := &GroupInfo{Name: name}
	gi.Count, _ = strconv.Atoi(fields[0])
	gi.Low, _ = strconv.Atoi(fields[1])
	gi.High, _ = strconv.Atoi(fields[2])
	return gi, nil
}

// Date issues DATE and returns the server's UTC time.
func (c *Connection) Date(ctx context.Context) (time.Time, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if err := c.deadline(); err != nil {
		return time.Time{}, err
	}
	if err := c.sendCommand("DATE"); err != nil {
		return time.Time{}, connectError(err)
	}
	resp, err := c.readResponse()
	if err != nil {
		return time.Time{}, connectError(err)
	}
	if resp.Code != 111 {
		return time.Time{}, classifyResponse(resp.Code, resp.Message)
	}
	t, err := time.Parse("20060102150405", strings.TrimSpace(resp.Message))
	if err != nil {
		return time.Time{}, protocolError(fmt.Errorf("malformed DATE reply %q: %w", resp.Message, err))
	}
	return t.UTC(), nil
}

// Body issues BODY <messageId> and returns a streaming, bounded byte
// source. onReady is invoked exactly once, from a background goroutine,
// the moment the terminator has been observed (or the transfer failed) —
// the pool uses it to re-lease the connection promptly (spec.md §4.1).
func (c *Connection) Body(ctx context.Context, messageID string, onReady func(ReadyState)) (*bodyStream, error) {
	c.cmdMu.Lock()
	if err := c.deadline(); err != nil {
		c.cmdMu.Unlock()
		return nil, err
	}
	if err := c.sendCommand(fmt.Sprintf("BODY %s", FormatMessageID(messageID))); err != nil {
		c.cmdMu.Unlock()
		return nil, connectError(err)
	}
	resp, err := c.readResponse()
	if err != nil {
		c.cmdMu.Unlock()
		return nil, connectError(err)
	}
	if resp.Code != 222 {
		c.cmdMu.Unlock()
		return nil, classifyResponse(resp.Code, resp.Message)
	}

	c.state = StateInBodyTransfer
	bs := newBodyStream(ctx)
	go c.streamBody(ctx, bs, onReady)
	return bs, nil
}

// streamBody reads raw lines off the wire, dot-unescapes them, and feeds
// them to bs until the "\r\n.\r\n" terminator is observed. It always
// releases cmdMu and invokes onReady exactly once before returning
// (spec.md §9: "scoped acquisition... must guarantee release on all exit
// paths, including panic/unwind, cancellation, and the asynchronous
// body-transfer callback").
func (c *Connection) streamBody(ctx context.Context, bs *bodyStream, onReady func(ReadyState)) {
	state := NotRetrieved
	defer func() {
		if c.state != StateBroken {
			c.state = StateIdle
		}
		c.cmdMu.Unlock()
		if onReady != nil {
			onReady(state)
		}
	}()

	r := c.text.R
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opTimeout))
		line, err := r.ReadSlice('\n')
		if err != nil {
			bs.finish(protocolError(err))
			c.state = StateBroken
			return
		}

		if isTerminator(line) {
			bs.finish(nil)
			state = Retrieved
			return
		}

		unescaped := dotUnescape(line)
		if err := bs.write(unescaped); err != nil {
			// consumer closed or context cancelled mid-transfer.
			c.state = StateBroken
			return
		}
	}
}

// isTerminator reports whether line is exactly ".\r\n" or ".\n".
func isTerminator(line []byte) bool {
	return string(line) == ".\r\n" || string(line) == ".\n"
}

// dotUnescape strips one leading dot from a line that starts with "..",
// the NNTP dot-stuffing rule (spec.md §4.1, §8 property 2).
func dotUnescape(line []byte) []byte {
	if len(line) >= 2 && line[0] == '.' && line[1] == '.' {
		return line[1:]
	}
	return line
}

func (c *Connection) close() error {
	c.state = StateDisconnected
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Close terminates the connection, sending QUIT first on a best-effort
// basis.
func (c *Connection) Close() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.state != StateBroken && c.state != StateDisconnected {
		_ = c.deadline()
		_ = c.sendCommand("QUIT")
		_, _ = c.readResponse()
	}
	return c.close()
}

// Broken reports whether the connection has been marked unusable.
func (c *Connection) Broken() bool {
	return c.state == StateBroken
}

func IsValidMessageID(messageID string) bool {
	return len(messageID) >= 3 && strings.Contains(messageID, "@")
}

// FormatMessageID ensures the message id is wrapped in angle brackets, as
// the wire protocol requires.
func FormatMessageID(messageID string) string {
	messageID = strings.TrimSpace(messageID)
	if !strings.HasPrefix(messageID, "<") {
		messageID = "<" + messageID
	}
	if !strings.HasSuffix(messageID, ">") {
		messageID = messageID + ">"
	}
	return messageID
}
