package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts ...Option) (*Manager, *httptest.Server) {
	t.Helper()

	m, err := NewManager(opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = m.HandleUpgrade(w, r)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, srv
}

func dial(t *testing.T, srv *httptest.Server, header string, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	h := http.Header{}
	if userID != "" {
		h.Set(header, userID)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func mustDial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := dial(t, srv, "X-User-Id", userID)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func readCloseError(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "unexpected error: %v", err)
		return closeErr
	}
}

func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected frame %q, err %v", data, err)
}

func waitSessions(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Registry().Count() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChatRoundTrip(t *testing.T) {
	m, srv := newTestServer(t)

	alice := mustDial(t, srv, "alice")
	ack := readFrame(t, alice)
	assert.Equal(t, FrameTypeAck, ack.Type)
	assert.Equal(t, "alice", ack.UserID)
	assert.NotEmpty(t, ack.SessionID)

	bob := mustDial(t, srv, "bob")
	ack = readFrame(t, bob)
	assert.Equal(t, "bob", ack.UserID)
	waitSessions(t, m, 2)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("hi")))
	msg := readFrame(t, bob)
	assert.Equal(t, Frame{Type: FrameTypeMessage, From: "alice", Text: "hi"}, msg)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = bob.Close()
	waitSessions(t, m, 1)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("still there?")))
	assertSilent(t, alice)
}

func TestConnectionWithoutIdentityRejected(t *testing.T) {
	m, srv := newTestServer(t)

	conn := mustDial(t, srv, "")
	closeErr := readCloseError(t, conn)

	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, CloseReasonIdentityAbsent, closeErr.Text)
	assert.Equal(t, 0, m.Registry().Count())
	require.Eventually(t, func() bool { return m.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	m, srv := newTestServer(t)

	first := mustDial(t, srv, "alice")
	firstAck := readFrame(t, first)

	second := mustDial(t, srv, "alice")
	secondAck := readFrame(t, second)
	assert.NotEqual(t, firstAck.SessionID, secondAck.SessionID)

	closeErr := readCloseError(t, first)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, CloseReasonReplaced, closeErr.Text)

	require.Eventually(t, func() bool { return m.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	conn, ok := m.Registry().Lookup("alice")
	require.True(t, ok)
	assert.True(t, conn.IsOpen())

	bob := mustDial(t, srv, "bob")
	readFrame(t, bob)
	waitSessions(t, m, 2)

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, "hello", readFrame(t, second).Text)
}

func TestCustomIdentityHeader(t *testing.T) {
	_, srv := newTestServer(t, WithIdentityHeader("X-Forwarded-User"))

	conn, _, err := dial(t, srv, "X-Forwarded-User", "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", readFrame(t, conn).UserID)
}

func TestConnectionLimit(t *testing.T) {
	_, srv := newTestServer(t, WithMaxConnections(1))

	first := mustDial(t, srv, "alice")
	readFrame(t, first)

	_, resp, err := dial(t, srv, "X-User-Id", "bob")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdownClosesClients(t *testing.T) {
	m, srv := newTestServer(t)

	alice := mustDial(t, srv, "alice")
	readFrame(t, alice)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	closeErr := readCloseError(t, alice)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 0, m.ClientCount())
	assert.Equal(t, 0, m.Registry().Count())

	_, resp, err := dial(t, srv, "X-User-Id", "bob")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestManagerEvents(t *testing.T) {
	m, srv := newTestServer(t)

	opened := make(chan Event, 1)
	m.Subscribe(EventSessionOpened, func(e Event) { opened <- e })

	conn := mustDial(t, srv, "alice")
	ack := readFrame(t, conn)

	select {
	case e := <-opened:
		assert.Equal(t, "alice", e.UserID)
		assert.Equal(t, ack.SessionID, e.Data)
		c, ok := m.pool.Get(e.ClientID)
		require.True(t, ok)
		assert.Equal(t, "alice", c.Header().Get("X-User-Id"))
	case <-time.After(2 * time.Second):
		t.Fatal("session opened event not published")
	}
}
