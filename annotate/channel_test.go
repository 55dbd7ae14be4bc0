package annotate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func TestChannelTransition(t *testing.T) {
	// connect from idle dials
	state, effect := channelTransition(channelIdle, channelEventConnect)
	assert.Equal(t, channelConnecting, state)
	assert.Equal(t, channelEffectDial, effect)

	// overlapping connect calls are idempotent
	state, effect = channelTransition(channelConnecting, channelEventConnect)
	assert.Equal(t, channelConnecting, state)
	assert.Equal(t, channelEffectNone, effect)
	state, effect = channelTransition(channelOpen, channelEventConnect)
	assert.Equal(t, channelOpen, state)
	assert.Equal(t, channelEffectNone, effect)

	// successful open starts the heartbeat
	state, effect = channelTransition(channelConnecting, channelEventOpened)
	assert.Equal(t, channelOpen, state)
	assert.Equal(t, channelEffectStartHeartbeat, effect)

	// unintentional close schedules a retry
	state, effect = channelTransition(channelOpen, channelEventTransportClosed)
	assert.Equal(t, channelWaitRetry, state)
	assert.Equal(t, channelEffectScheduleRetry, effect)
	state, effect = channelTransition(channelConnecting, channelEventDialError)
	assert.Equal(t, channelWaitRetry, state)
	assert.Equal(t, channelEffectScheduleRetry, effect)

	// the retry timer redials
	state, effect = channelTransition(channelWaitRetry, channelEventRetryElapsed)
	assert.Equal(t, channelConnecting, state)
	assert.Equal(t, channelEffectDial, effect)

	// an explicit connect bypasses the pending retry
	state, effect = channelTransition(channelWaitRetry, channelEventConnect)
	assert.Equal(t, channelConnecting, state)
	assert.Equal(t, channelEffectDial, effect)

	// disconnect is terminal from every live state
	for _, from := range []channelState{channelConnecting, channelOpen, channelWaitRetry, channelClosed, channelIdle} {
		state, _ = channelTransition(from, channelEventDisconnect)
		if from == channelIdle {
			// idle never had a transport
			assert.Equal(t, channelClosed, state)
			continue
		}
		assert.Equal(t, channelClosed, state)
	}

	// nothing but connect leaves the closed state
	for _, event := range []channelStateEvent{channelEventOpened, channelEventDialError, channelEventTransportClosed, channelEventRetryElapsed} {
		state, effect = channelTransition(channelClosed, event)
		assert.Equal(t, channelClosed, state)
		assert.Equal(t, channelEffectNone, effect)
	}
	state, effect = channelTransition(channelClosed, channelEventConnect)
	assert.Equal(t, channelConnecting, state)
	assert.Equal(t, channelEffectDial, effect)
}

func TestRetryDelay(t *testing.T) {
	backoff := DefaultDocumentChannelSettings().RetryBackoff

	assert.Equal(t, 1*time.Second, retryDelay(backoff, 0))
	assert.Equal(t, 2*time.Second, retryDelay(backoff, 1))
	assert.Equal(t, 5*time.Second, retryDelay(backoff, 2))
	assert.Equal(t, 10*time.Second, retryDelay(backoff, 3))
	assert.Equal(t, 30*time.Second, retryDelay(backoff, 4))
	// clamped to the last entry
	assert.Equal(t, 30*time.Second, retryDelay(backoff, 5))
	assert.Equal(t, 30*time.Second, retryDelay(backoff, 100))
}

type testChannelServer struct {
	server *httptest.Server

	mutex     sync.Mutex
	conns     []*websocket.Conn
	connCount int

	frames chan *Frame
}

func newTestChannelServer() *testChannelServer {
	self := &testChannelServer{
		frames: make(chan *Frame, 32),
	}
	upgrader := websocket.Upgrader{}
	self.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		self.mutex.Lock()
		self.conns = append(self.conns, conn)
		self.connCount += 1
		self.mutex.Unlock()

		confirmed, _ := NewFrame(MessageTypeConnectionConfirmed, nil)
		confirmedBytes, _ := json.Marshal(confirmed)
		conn.WriteMessage(websocket.TextMessage, confirmedBytes)

		go func() {
			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					return
				}
				frame := &Frame{}
				if err := json.Unmarshal(message, frame); err != nil {
					continue
				}
				self.frames <- frame
			}
		}()
	}))
	return self
}

func (self *testChannelServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testChannelServer) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connCount
}

func (self *testChannelServer) sendToAll(messageType string, payload any) {
	frame, _ := NewFrame(messageType, payload)
	frameBytes, _ := json.Marshal(frame)
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, conn := range self.conns {
		conn.WriteMessage(websocket.TextMessage, frameBytes)
	}
}

func (self *testChannelServer) closeAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, conn := range self.conns {
		conn.Close()
	}
	self.conns = nil
}

func (self *testChannelServer) shutdown() {
	self.closeAll()
	self.server.Close()
}

func fastChannelSettings() *DocumentChannelSettings {
	return &DocumentChannelSettings{
		WsHandshakeTimeout: 1 * time.Second,
		WriteTimeout:       1 * time.Second,
		HeartbeatTimeout:   50 * time.Millisecond,
		RetryBackoff: []time.Duration{
			20 * time.Millisecond,
			50 * time.Millisecond,
		},
	}
}

func TestChannelForwarding(t *testing.T) {
	server := newTestChannelServer()
	defer server.shutdown()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewDocumentChannel(cancelCtx, server.url(), "d1", StaticToken("jwt"), fastChannelSettings())
	defer channel.Close()

	received := make(chan *Frame, 32)
	channel.AddReceiveCallback(func(frame *Frame) {
		received <- frame
	})

	channel.Connect()
	waitFor(t, 2*time.Second, channel.IsConnected)

	// the connection ack is consumed internally, event frames are
	// forwarded verbatim
	server.sendToAll(MessageTypeConnectionConfirmed, nil)
	server.sendToAll(MessageTypeHighlightCreated, &Highlight{Id: "H1"})

	select {
	case frame := <-received:
		assert.Equal(t, MessageTypeHighlightCreated, frame.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("No frame forwarded.")
	}
	select {
	case frame := <-received:
		t.Fatalf("Unexpected extra frame %s.", frame.Type)
	case <-time.After(100 * time.Millisecond):
	}

	// outbound sends are framed with type and timestamp
	ok := channel.Send(MessageTypePresenceTyping, map[string]string{"userId": "u1"})
	assert.Equal(t, true, ok)
	waitFor(t, 2*time.Second, func() bool {
		for {
			select {
			case frame := <-server.frames:
				if frame.Type == MessageTypePresenceTyping {
					assert.NotEqual(t, "", frame.Timestamp)
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestChannelSendWhileClosedDropped(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewDocumentChannel(cancelCtx, "ws://127.0.0.1:1", "d1", StaticToken("jwt"), fastChannelSettings())
	defer channel.Close()

	// never connected. the send is dropped, not queued and not an error
	ok := channel.Send(MessageTypePresenceTyping, nil)
	assert.Equal(t, false, ok)
}

func TestChannelReconnect(t *testing.T) {
	server := newTestChannelServer()
	defer server.shutdown()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewDocumentChannel(cancelCtx, server.url(), "d1", StaticToken("jwt"), fastChannelSettings())
	defer channel.Close()

	channel.Connect()
	waitFor(t, 2*time.Second, channel.IsConnected)
	assert.Equal(t, 1, server.count())

	// an unintentional drop redials after the backoff delay
	server.closeAll()
	waitFor(t, 2*time.Second, func() bool {
		return 2 <= server.count() && channel.IsConnected()
	})

	// a successful open resets the attempt counter
	channel.stateLock.Lock()
	attempt := channel.attempt
	channel.stateLock.Unlock()
	assert.Equal(t, 0, attempt)
}

func TestChannelDisconnectIdempotent(t *testing.T) {
	server := newTestChannelServer()
	defer server.shutdown()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewDocumentChannel(cancelCtx, server.url(), "d1", StaticToken("jwt"), fastChannelSettings())
	defer channel.Close()

	channel.Connect()
	waitFor(t, 2*time.Second, channel.IsConnected)

	channel.Disconnect()
	channel.Disconnect()

	assert.Equal(t, false, channel.IsConnected())
	assert.Equal(t, false, channel.IsConnecting())

	// no reconnect is ever scheduled after an intentional close
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, server.count())
	assert.Equal(t, false, channel.IsConnecting())
}

func TestChannelHeartbeat(t *testing.T) {
	server := newTestChannelServer()
	defer server.shutdown()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewDocumentChannel(cancelCtx, server.url(), "d1", StaticToken("jwt"), fastChannelSettings())
	defer channel.Close()

	channel.Connect()
	waitFor(t, 2*time.Second, channel.IsConnected)

	select {
	case frame := <-server.frames:
		assert.Equal(t, MessageTypeHeartbeat, frame.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("No heartbeat.")
	}

	// the heartbeat stops with the connection
	channel.Disconnect()
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case <-server.frames:
			// drain frames sent before the close landed
			continue
		default:
		}
		break
	}
	select {
	case frame := <-server.frames:
		t.Fatalf("Heartbeat after disconnect: %s.", frame.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelManualReconnectBypassesBackoff(t *testing.T) {
	server := newTestChannelServer()
	defer server.shutdown()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := fastChannelSettings()
	// long enough that an automatic retry cannot explain the second dial
	settings.RetryBackoff = []time.Duration{10 * time.Second}

	channel := NewDocumentChannel(cancelCtx, server.url(), "d1", StaticToken("jwt"), settings)
	defer channel.Close()

	channel.Connect()
	waitFor(t, 2*time.Second, channel.IsConnected)

	channel.Reconnect()
	waitFor(t, 2*time.Second, func() bool {
		return 2 <= server.count() && channel.IsConnected()
	})
}
