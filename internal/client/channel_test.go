package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ws "github.com/stemsi/examsync/internal/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// startWSServer runs handler once per accepted connection and returns the
// ws:// URL.
func startWSServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type channelRecorder struct {
	mu       sync.Mutex
	messages []interface{}
	statuses []ConnectionStatus
}

func (r *channelRecorder) callbacks(sync func() *ws.SyncMessage) TransportCallbacks {
	return TransportCallbacks{
		OnMessage: func(msg interface{}) {
			r.mu.Lock()
			r.messages = append(r.messages, msg)
			r.mu.Unlock()
		},
		OnStatus: func(status ConnectionStatus) {
			r.mu.Lock()
			r.statuses = append(r.statuses, status)
			r.mu.Unlock()
		},
		SyncPayload: sync,
	}
}

func (r *channelRecorder) lastMessage() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	return r.messages[len(r.messages)-1]
}

func testChannelConfig(url string) ChannelConfig {
	return ChannelConfig{
		URL:               url,
		ReconnectDelay:    20 * time.Millisecond,
		HeartbeatInterval: time.Hour, // keep heartbeats out of these tests
		Log:               zerolog.Nop(),
	}
}

func TestChannelSendsOneSyncPerConnect(t *testing.T) {
	syncs := make(chan *ws.SyncMessage, 1)
	url := startWSServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ws.Decode(data)
		if err != nil {
			t.Errorf("decode first frame: %v", err)
			return
		}
		sm, ok := msg.(*ws.SyncMessage)
		if !ok {
			t.Errorf("expected first frame to be sync, got %T", msg)
			return
		}
		syncs <- sm
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &channelRecorder{}
	ch := NewChannelFactory(testChannelConfig(url))(rec.callbacks(func() *ws.SyncMessage {
		return &ws.SyncMessage{Type: ws.TypeSync, CurrentQuestionIndex: 3}
	}))
	ch.Start()
	defer ch.Close()

	select {
	case sm := <-syncs:
		if sm.CurrentQuestionIndex != 3 {
			t.Fatalf("expected sync to carry index 3, got %d", sm.CurrentQuestionIndex)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a sync message")
	}
}

func TestChannelReconnectsAfterUnexpectedClose(t *testing.T) {
	var conns atomic.Int64
	url := startWSServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		if n == 1 {
			// Drop the first connection without a close frame.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &channelRecorder{}
	ch := NewChannelFactory(testChannelConfig(url))(rec.callbacks(func() *ws.SyncMessage { return nil }))
	ch.Start()
	defer ch.Close()

	deadline := time.After(2 * time.Second)
	for conns.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected a redial after unexpected close, saw %d connections", conns.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestChannelDoesNotReconnectAfterIntentionalClose(t *testing.T) {
	var conns atomic.Int64
	url := startWSServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &channelRecorder{}
	ch := NewChannelFactory(testChannelConfig(url))(rec.callbacks(func() *ws.SyncMessage { return nil }))
	ch.Start()

	deadline := time.After(2 * time.Second)
	for conns.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("channel never connected")
		case <-time.After(10 * time.Millisecond):
		}
	}

	ch.Close()

	time.Sleep(150 * time.Millisecond) // several reconnect delays
	if got := conns.Load(); got != 1 {
		t.Fatalf("expected no redial after intentional close, saw %d connections", got)
	}
}

func TestChannelForwardsServerMessages(t *testing.T) {
	url := startWSServer(t, func(conn *websocket.Conn) {
		if err := ws.WriteTyped(conn, &ws.TimerUpdateMessage{Type: ws.TypeTimerUpdate, TimeRemainingSeconds: 321}); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &channelRecorder{}
	ch := NewChannelFactory(testChannelConfig(url))(rec.callbacks(func() *ws.SyncMessage { return nil }))
	ch.Start()
	defer ch.Close()

	deadline := time.After(2 * time.Second)
	for {
		if m, ok := rec.lastMessage().(*ws.TimerUpdateMessage); ok {
			if m.TimeRemainingSeconds != 321 {
				t.Fatalf("expected 321 seconds, got %d", m.TimeRemainingSeconds)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timer update never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestChannelIgnoresMalformedFrames(t *testing.T) {
	url := startWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		ws.WriteTyped(conn, &ws.PongMessage{Type: ws.TypePong})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &channelRecorder{}
	ch := NewChannelFactory(testChannelConfig(url))(rec.callbacks(func() *ws.SyncMessage { return nil }))
	ch.Start()
	defer ch.Close()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := rec.lastMessage().(*ws.PongMessage); ok {
			rec.mu.Lock()
			count := len(rec.messages)
			rec.mu.Unlock()
			// Only the well-formed pong survives; the junk before it is dropped.
			if count != 1 {
				t.Fatalf("expected malformed frames to be dropped, got %d messages", count)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("pong never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
