package discordipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/webpresence/internal/presence"
)

func TestWriteFrame_Header(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, OpFrame, map[string]string{"cmd": "X"}))

	b := buf.Bytes()
	assert.Equal(t, uint32(OpFrame), binary.LittleEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(len(b)-headerSize), binary.LittleEndian.Uint32(b[4:8]))
	assert.JSONEq(t, `{"cmd":"X"}`, string(b[headerSize:]))

	op, body, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpFrame, op)
	assert.JSONEq(t, `{"cmd":"X"}`, string(body))
}

func TestReadFrame_TooLarge(t *testing.T) {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[4:8], maxPayload+1)
	_, _, err := ReadFrame(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestToWire(t *testing.T) {
	start := time.UnixMilli(1700000000123)
	w := toWire(presence.Activity{
		Details:        "Viewing - Example",
		StartTimestamp: start,
		LargeImageKey:  "web",
		LargeImageText: "example.com",
		Buttons: []presence.Button{
			{Label: "a", URL: "https://a"},
			{Label: "b", URL: "https://b"},
			{Label: "c", URL: "https://c"},
		},
	})
	assert.Equal(t, int64(1700000000123), w.Timestamps.Start)
	assert.Equal(t, "web", w.Assets.LargeImage)
	assert.Len(t, w.Buttons, 2)
}

// fakeDiscord answers the handshake with READY and every command with a
// reply carrying the same nonce.
func fakeDiscord(t *testing.T, conn net.Conn, seen chan<- command) {
	t.Helper()
	op, _, err := ReadFrame(conn)
	if err != nil || op != OpHandshake {
		return
	}
	_ = WriteFrame(conn, OpFrame, map[string]any{
		"cmd": "DISPATCH", "evt": "READY",
		"data": map[string]any{"user": map[string]string{"id": "42", "username": "tester"}},
	})
	for {
		op, body, err := ReadFrame(conn)
		if err != nil || op == OpClose {
			return
		}
		var cmd command
		_ = json.Unmarshal(body, &cmd)
		seen <- cmd
		_ = WriteFrame(conn, OpFrame, map[string]any{"cmd": cmd.Cmd, "nonce": cmd.Nonce, "data": nil})
	}
}

func TestClient_LoginAndSetActivity(t *testing.T) {
	server, clientConn := net.Pipe()
	seen := make(chan command, 4)
	go fakeDiscord(t, server, seen)

	var ready presence.User
	connected := false
	factory := NewFactory(func(context.Context) (net.Conn, error) { return clientConn, nil },
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := factory(presence.Handlers{
		Connected:    func() { connected = true },
		Ready:        func(u presence.User) { ready = u },
		Disconnected: func(error) {},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Login(ctx, "123"))
	assert.True(t, connected)
	assert.Equal(t, "tester", ready.Username)

	require.NoError(t, c.SetActivity(ctx, presence.Activity{Details: "Viewing - Example"}))
	cmd := <-seen
	assert.Equal(t, "SET_ACTIVITY", cmd.Cmd)
	assert.NotEmpty(t, cmd.Nonce)

	require.NoError(t, c.ClearActivity(ctx))
	cmd = <-seen
	args, _ := json.Marshal(cmd.Args)
	assert.Contains(t, string(args), `"activity":null`)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SetActivity(ctx, presence.Activity{}), ErrConnectionClosed)
}

func TestClient_DisconnectedOnPeerClose(t *testing.T) {
	server, clientConn := net.Pipe()
	go func() {
		_, _, _ = ReadFrame(server)
		_ = WriteFrame(server, OpFrame, map[string]any{"cmd": "DISPATCH", "evt": "READY"})
		time.Sleep(10 * time.Millisecond)
		_ = server.Close()
	}()

	lost := make(chan error, 1)
	c := NewFactory(func(context.Context) (net.Conn, error) { return clientConn, nil }, nil)(presence.Handlers{
		Disconnected: func(err error) { lost <- err },
	})
	require.NoError(t, c.Login(context.Background(), "123"))

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestClient_LoginDialFailure(t *testing.T) {
	c := NewFactory(func(context.Context) (net.Conn, error) { return nil, ErrNoSocket }, nil)(presence.Handlers{})
	err := c.Login(context.Background(), "123")
	assert.True(t, errors.Is(err, ErrNoSocket))
}

func TestClient_LoginRejectedBeforeReady(t *testing.T) {
	server, clientConn := net.Pipe()
	go func() {
		_, _, _ = ReadFrame(server)
		_ = WriteFrame(server, OpClose, map[string]any{"code": 4000, "message": "Invalid Client ID"})
		_ = server.Close()
	}()

	lost := make(chan error, 1)
	c := NewFactory(func(context.Context) (net.Conn, error) { return clientConn, nil }, nil)(presence.Handlers{
		Ready:        func(presence.User) { t.Error("unexpected READY") },
		Disconnected: func(err error) { lost <- err },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := c.Login(ctx, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid Client ID")
	assert.NoError(t, ctx.Err(), "login returned before the connect deadline")
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-lost:
		assert.Contains(t, err.Error(), "code 4000")
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}
