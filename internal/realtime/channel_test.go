package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*websocket.Conn
	identities []string
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := ps.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.identities = append(ps.identities, r.URL.Query().Get("userId"))
		ps.mu.Unlock()
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *pushServer) connCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.conns)
}

func (ps *pushServer) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	ps.mu.Lock()
	conn := ps.conns[len(ps.conns)-1]
	ps.mu.Unlock()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame{Type: event, Payload: raw}))
}

func (ps *pushServer) closeLatest() {
	ps.mu.Lock()
	conn := ps.conns[len(ps.conns)-1]
	ps.mu.Unlock()
	conn.Close()
}

func TestOpenIsIdempotentPerIdentity(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL())
	defer ch.Close()

	require.NoError(t, ch.Open("u1"))
	require.NoError(t, ch.Open("u1"))

	assert.Equal(t, 1, ps.connCount())
	assert.True(t, ch.Connected())
	assert.Equal(t, "u1", ch.Identity())
}

func TestOpenNewIdentityReplacesConnection(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL())
	defer ch.Close()

	require.NoError(t, ch.Open("u1"))
	require.NoError(t, ch.Open("u2"))

	assert.Equal(t, 2, ps.connCount())
	assert.Equal(t, "u2", ch.Identity())

	ps.mu.Lock()
	identities := append([]string(nil), ps.identities...)
	ps.mu.Unlock()
	assert.Equal(t, []string{"u1", "u2"}, identities)
}

func TestDispatchToListeners(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL())
	defer ch.Close()

	require.NoError(t, ch.Open("u1"))

	got := make(chan string, 4)
	id := ch.On("newMessage", func(payload json.RawMessage) {
		got <- string(payload)
	})
	require.NotZero(t, id)

	ps.push(t, "newMessage", map[string]string{"id": "m1"})

	select {
	case payload := <-got:
		assert.JSONEq(t, `{"id":"m1"}`, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}
}

func TestOffRemovesOneListener(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL())
	defer ch.Close()

	require.NoError(t, ch.Open("u1"))

	var mu sync.Mutex
	fired := map[string]int{}
	count := func(name string) func(json.RawMessage) {
		return func(json.RawMessage) {
			mu.Lock()
			fired[name]++
			mu.Unlock()
		}
	}

	keep := ch.On("newMessage", count("keep"))
	drop := ch.On("newMessage", count("drop"))
	require.NotEqual(t, keep, drop)

	ch.Off("newMessage", drop)
	// Removing it again, or removing an unknown id, is a no-op.
	ch.Off("newMessage", drop)
	ch.Off("newMessage", ListenerID(9999))

	ps.push(t, "newMessage", "x")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["keep"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Zero(t, fired["drop"])
	mu.Unlock()
}

func TestOnWithoutConnectionIsNoop(t *testing.T) {
	ch := NewChannel("ws://127.0.0.1:1")
	id := ch.On("newMessage", func(json.RawMessage) {})
	assert.Zero(t, id)
}

func TestCloseClearsListeners(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL())

	require.NoError(t, ch.Open("u1"))

	var mu sync.Mutex
	fired := 0
	ch.On("newMessage", func(json.RawMessage) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	ch.Close()
	assert.False(t, ch.Connected())

	// A fresh open must not resurrect the old registration.
	require.NoError(t, ch.Open("u1"))
	defer ch.Close()
	ps.push(t, "newMessage", "x")

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, fired)
	mu.Unlock()
}

func TestCloseWithoutConnectionIsSafe(t *testing.T) {
	ch := NewChannel("ws://127.0.0.1:1")
	ch.Close()
	ch.Close()
}

func TestDisconnectedEventObservable(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.wsURL())
	defer ch.Close()

	require.NoError(t, ch.Open("u1"))

	disconnected := make(chan struct{}, 1)
	ch.On(EventDisconnected, func(json.RawMessage) {
		disconnected <- struct{}{}
	})

	ps.closeLatest()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnected event never fired")
	}
	// The channel tolerates the drop without tearing anything down itself.
	assert.True(t, ch.Connected())
}

func TestDialFailureReturnsError(t *testing.T) {
	ch := NewChannel("ws://127.0.0.1:1")
	err := ch.Open("u1")
	require.Error(t, err)
	assert.False(t, ch.Connected())
}
