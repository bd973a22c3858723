// Package discordipc speaks the Discord desktop client's local RPC protocol
// over its IPC socket.
package discordipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/webpresence/internal/presence"
)

const (
	protocolVersion = 1
	socketSlots     = 10
)

var (
	// ErrNoSocket is returned when no Discord IPC socket accepts a connection.
	ErrNoSocket = errors.New("discord ipc socket not found")
	// ErrConnectionClosed is returned for calls on a closed connection.
	ErrConnectionClosed = errors.New("discord ipc connection closed")
)

// Dialer opens the raw IPC connection.
type Dialer func(ctx context.Context) (net.Conn, error)

// Client is a presence.Client backed by the Discord IPC socket.
type Client struct {
	h      presence.Handlers
	dial   Dialer
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan response
	ready   chan presence.User
	done    chan struct{}
	loopErr error
	closed  bool
}

type command struct {
	Cmd   string `json:"cmd"`
	Args  any    `json:"args,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

type response struct {
	Cmd   string          `json:"cmd"`
	Evt   string          `json:"evt"`
	Nonce string          `json:"nonce"`
	Data  json.RawMessage `json:"data"`
}

type errorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type readyData struct {
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

type handshake struct {
	V        int    `json:"v"`
	ClientID string `json:"client_id"`
}

// NewFactory returns a presence.ClientFactory that dials with dial, or the
// default socket search when dial is nil.
func NewFactory(dial Dialer, logger *slog.Logger) presence.ClientFactory {
	if dial == nil {
		dial = DialSocket
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(h presence.Handlers) presence.Client {
		return &Client{
			h:       h,
			dial:    dial,
			logger:  logger,
			pending: make(map[string]chan response),
			ready:   make(chan presence.User, 1),
			done:    make(chan struct{}),
		}
	}
}

// DialSocket connects to the first discord-ipc-N socket that accepts.
func DialSocket(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	for _, dir := range socketDirs() {
		for i := 0; i < socketSlots; i++ {
			path := filepath.Join(dir, fmt.Sprintf("discord-ipc-%d", i))
			conn, err := d.DialContext(ctx, "unix", path)
			if err == nil {
				return conn, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, ErrNoSocket
}

func socketDirs() []string {
	var dirs []string
	for _, key := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if v := os.Getenv(key); v != "" {
			dirs = append(dirs, v)
		}
	}
	dirs = append(dirs, "/tmp")
	// Flatpak and snap installs put the socket in a subdirectory.
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		dirs = append(dirs,
			filepath.Join(v, "app", "com.discordapp.Discord"),
			filepath.Join(v, "snap.discord"),
		)
	}
	return dirs
}

// Login dials the socket, performs the handshake and waits for READY.
func (c *Client) Login(ctx context.Context, clientID string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial discord ipc: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionClosed
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(OpHandshake, handshake{V: protocolVersion, ClientID: clientID}); err != nil {
		_ = c.Close()
		return err
	}
	if c.h.Connected != nil {
		c.h.Connected()
	}

	go c.readLoop(conn)

	select {
	case u := <-c.ready:
		c.readyHandler(u)
		return nil
	case <-c.done:
		select {
		case u := <-c.ready:
			c.readyHandler(u)
			return nil
		default:
		}
		c.mu.Lock()
		err := c.loopErr
		c.mu.Unlock()
		return fmt.Errorf("discord ipc closed before ready: %w", err)
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

func (c *Client) readyHandler(u presence.User) {
	if c.h.Ready != nil {
		c.h.Ready(u)
	}
}

// SetActivity sends SET_ACTIVITY and waits for the matching reply.
func (c *Client) SetActivity(ctx context.Context, a presence.Activity) error {
	return c.setActivity(ctx, toWire(a))
}

// ClearActivity sends SET_ACTIVITY with a null activity.
func (c *Client) ClearActivity(ctx context.Context) error {
	return c.setActivity(ctx, nil)
}

func (c *Client) setActivity(ctx context.Context, activity *wireActivity) error {
	args := struct {
		PID      int           `json:"pid"`
		Activity *wireActivity `json:"activity"`
	}{PID: os.Getpid(), Activity: activity}

	resp, err := c.request(ctx, "SET_ACTIVITY", args)
	if err != nil {
		return err
	}
	if resp.Evt == "ERROR" {
		var e errorData
		_ = json.Unmarshal(resp.Data, &e)
		return fmt.Errorf("discord rejected activity: %s (code %d)", e.Message, e.Code)
	}
	return nil
}

func (c *Client) request(ctx context.Context, cmd string, args any) (response, error) {
	nonce := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return response{}, ErrConnectionClosed
	}
	c.pending[nonce] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, nonce)
		c.mu.Unlock()
	}()

	if err := c.write(OpFrame, command{Cmd: cmd, Args: args, Nonce: nonce}); err != nil {
		return response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, ErrConnectionClosed
		}
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// Close sends a close frame and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = c.write(OpClose, struct{}{})
	return conn.Close()
}

func (c *Client) write(op Opcode, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(conn, op, payload)
}

func (c *Client) readLoop(conn net.Conn) {
	var err error
	for {
		var op Opcode
		var body []byte
		op, body, err = ReadFrame(conn)
		if err != nil {
			break
		}
		switch op {
		case OpPing:
			if werr := c.writeRaw(conn, OpPong, json.RawMessage(body)); werr != nil {
				c.logger.Debug("Failed to answer discord ipc ping", "error", werr)
			}
		case OpClose:
			var e errorData
			_ = json.Unmarshal(body, &e)
			err = fmt.Errorf("discord closed ipc: %s (code %d)", e.Message, e.Code)
		case OpFrame:
			c.dispatch(body)
			continue
		default:
			continue
		}
		if err != nil {
			break
		}
	}

	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.loopErr = err
	for nonce, ch := range c.pending {
		close(ch)
		delete(c.pending, nonce)
	}
	c.mu.Unlock()
	_ = conn.Close()
	close(c.done)

	if !wasClosed && c.h.Disconnected != nil {
		c.h.Disconnected(err)
	}
}

func (c *Client) writeRaw(conn net.Conn, op Opcode, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(conn, op, payload)
}

func (c *Client) dispatch(body []byte) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		if c.h.Error != nil {
			c.h.Error(fmt.Errorf("decode ipc frame: %w", err))
		}
		return
	}

	if resp.Cmd == "DISPATCH" && resp.Evt == "READY" {
		var rd readyData
		_ = json.Unmarshal(resp.Data, &rd)
		select {
		case c.ready <- presence.User{ID: rd.User.ID, Username: rd.User.Username}:
		default:
		}
		return
	}

	if resp.Nonce == "" {
		if resp.Evt == "ERROR" && c.h.Error != nil {
			var e errorData
			_ = json.Unmarshal(resp.Data, &e)
			c.h.Error(fmt.Errorf("discord ipc error: %s (code %d)", e.Message, e.Code))
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.Nonce]
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}
