package annotate

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type channelState int

const (
	channelIdle channelState = iota
	channelConnecting
	channelOpen
	// unintentional close, waiting out the backoff delay
	channelWaitRetry
	// intentional close. the only terminal state
	channelClosed
)

func (self channelState) String() string {
	switch self {
	case channelIdle:
		return "idle"
	case channelConnecting:
		return "connecting"
	case channelOpen:
		return "open"
	case channelWaitRetry:
		return "wait-retry"
	case channelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type channelStateEvent int

const (
	channelEventConnect channelStateEvent = iota
	channelEventOpened
	channelEventDialError
	channelEventTransportClosed
	channelEventRetryElapsed
	channelEventDisconnect
)

type channelEffect int

const (
	channelEffectNone channelEffect = iota
	channelEffectDial
	channelEffectStartHeartbeat
	channelEffectScheduleRetry
	channelEffectCloseTransport
)

// channelTransition is the reconnect state machine. Effects are run by the
// driver; the transition itself has no side effects, so the redial policy
// is testable without a transport. Reconnection is driven only by the
// transport close event. Errors surface as state but do not transition.
func channelTransition(state channelState, event channelStateEvent) (channelState, channelEffect) {
	switch state {
	case channelIdle, channelClosed:
		switch event {
		case channelEventConnect:
			return channelConnecting, channelEffectDial
		case channelEventDisconnect:
			return channelClosed, channelEffectNone
		}
	case channelConnecting:
		switch event {
		case channelEventConnect:
			// already connecting
			return channelConnecting, channelEffectNone
		case channelEventOpened:
			return channelOpen, channelEffectStartHeartbeat
		case channelEventDialError:
			return channelWaitRetry, channelEffectScheduleRetry
		case channelEventDisconnect:
			return channelClosed, channelEffectCloseTransport
		}
	case channelOpen:
		switch event {
		case channelEventConnect:
			// already open
			return channelOpen, channelEffectNone
		case channelEventTransportClosed:
			return channelWaitRetry, channelEffectScheduleRetry
		case channelEventDisconnect:
			return channelClosed, channelEffectCloseTransport
		}
	case channelWaitRetry:
		switch event {
		case channelEventConnect, channelEventRetryElapsed:
			return channelConnecting, channelEffectDial
		case channelEventDisconnect:
			return channelClosed, channelEffectNone
		}
	}
	return state, channelEffectNone
}

// retryDelay indexes the backoff table by the number of unintentional
// closes since the last successful open, clamped to the last entry.
func retryDelay(backoff []time.Duration, attempt int) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	i := attempt
	if len(backoff) <= i {
		i = len(backoff) - 1
	}
	return backoff[i]
}

type DocumentChannelSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	HeartbeatTimeout   time.Duration
	RetryBackoff       []time.Duration
}

func DefaultDocumentChannelSettings() *DocumentChannelSettings {
	return &DocumentChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		HeartbeatTimeout:   30 * time.Second,
		RetryBackoff: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
		},
	}
}

type ReceiveFrameFunction func(frame *Frame)

// DocumentChannel maintains one live duplex connection to a per-document
// channel and transparently recovers from drops. Internal frame types
// (connection ack, heartbeat) are consumed here; event frames are
// forwarded verbatim to the receive callbacks.
type DocumentChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelUrl string
	documentId string
	token      TokenFunc

	settings *DocumentChannelSettings

	receiveCallbacks *CallbackList[ReceiveFrameFunction]

	stateLock  sync.Mutex
	state      channelState
	attempt    int
	conn       *websocket.Conn
	connCancel context.CancelFunc
	retryTimer *time.Timer
	lastErr    error

	// gorilla connections allow one concurrent writer
	writeLock sync.Mutex
}

func NewDocumentChannelWithDefaults(
	ctx context.Context,
	channelUrl string,
	documentId string,
	token TokenFunc,
) *DocumentChannel {
	return NewDocumentChannel(ctx, channelUrl, documentId, token, DefaultDocumentChannelSettings())
}

func NewDocumentChannel(
	ctx context.Context,
	channelUrl string,
	documentId string,
	token TokenFunc,
	settings *DocumentChannelSettings,
) *DocumentChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &DocumentChannel{
		ctx:              cancelCtx,
		cancel:           cancel,
		channelUrl:       channelUrl,
		documentId:       documentId,
		token:            token,
		settings:         settings,
		receiveCallbacks: NewCallbackList[ReceiveFrameFunction](),
		state:            channelIdle,
	}
}

// AddReceiveCallback returns a remove function.
func (self *DocumentChannel) AddReceiveCallback(callback ReceiveFrameFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

// Connect is a no-op while connecting or open. From the wait-retry state
// it bypasses the pending backoff timer and dials immediately.
func (self *DocumentChannel) Connect() {
	self.stateLock.Lock()
	nextState, effect := channelTransition(self.state, channelEventConnect)
	self.state = nextState
	if effect == channelEffectDial && self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
	self.stateLock.Unlock()

	if effect == channelEffectDial {
		go self.dial()
	}
}

// Disconnect marks the close as intentional. After it returns no reconnect
// is scheduled and no heartbeat is sent. Calling it again is a no-op.
func (self *DocumentChannel) Disconnect() {
	self.stateLock.Lock()
	nextState, effect := channelTransition(self.state, channelEventDisconnect)
	self.state = nextState
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
	if self.connCancel != nil {
		self.connCancel()
		self.connCancel = nil
	}
	conn := self.conn
	self.conn = nil
	self.stateLock.Unlock()

	if effect == channelEffectCloseTransport && conn != nil {
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		self.writeLock.Lock()
		conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(self.settings.WriteTimeout))
		self.writeLock.Unlock()
		conn.Close()
	}
}

// Reconnect drops the current transport and dials again immediately,
// resetting the attempt counter so the backoff table starts over.
func (self *DocumentChannel) Reconnect() {
	self.Disconnect()

	self.stateLock.Lock()
	self.attempt = 0
	self.stateLock.Unlock()

	self.Connect()
}

// Close permanently releases the channel.
func (self *DocumentChannel) Close() {
	self.Disconnect()
	self.cancel()
}

// Send writes an event frame when the channel is open. Sends while not
// open are dropped with a warning rather than queued; the owner recovers
// missed state by re-fetching.
func (self *DocumentChannel) Send(messageType string, payload any) bool {
	self.stateLock.Lock()
	state := self.state
	conn := self.conn
	self.stateLock.Unlock()

	if state != channelOpen || conn == nil {
		glog.Warningf("[ch]drop send %s %s state = %s\n", self.documentId, messageType, state)
		return false
	}

	frame, err := NewFrame(messageType, payload)
	if err != nil {
		glog.Warningf("[ch]drop send %s %s = %s\n", self.documentId, messageType, err)
		return false
	}
	if err := self.writeFrame(conn, frame); err != nil {
		glog.Infof("[ch]%s-> error = %s\n", self.documentId, err)
		return false
	}
	glog.V(2).Infof("[ch]%s-> %s\n", self.documentId, messageType)
	return true
}

func (self *DocumentChannel) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state == channelOpen
}

func (self *DocumentChannel) IsConnecting() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state == channelConnecting || self.state == channelWaitRetry
}

// LastError reports the most recent transport error. Non-fatal: the
// channel keeps recovering on its own while the owner shows the state.
func (self *DocumentChannel) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastErr
}

func (self *DocumentChannel) dial() {
	token, err := self.token(self.ctx)
	if err == nil {
		var conn *websocket.Conn
		conn, err = self.open(token)
		if err == nil {
			self.opened(conn)
			return
		}
	}

	glog.Infof("[ch]dial %s error = %s\n", self.documentId, err)
	self.dialError(err)
}

func (self *DocumentChannel) open(token string) (*websocket.Conn, error) {
	connectUrl, err := url.Parse(self.channelUrl)
	if err != nil {
		return nil, err
	}
	query := connectUrl.Query()
	query.Set("documentId", self.documentId)
	query.Set("token", token)
	connectUrl.RawQuery = query.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, connectUrl.String(), nil)
	return conn, err
}

func (self *DocumentChannel) opened(conn *websocket.Conn) {
	self.stateLock.Lock()
	nextState, effect := channelTransition(self.state, channelEventOpened)
	if effect != channelEffectStartHeartbeat {
		// disconnected while the dial was in flight
		self.stateLock.Unlock()
		conn.Close()
		return
	}
	self.state = nextState
	self.attempt = 0
	self.lastErr = nil
	self.conn = conn
	connCtx, connCancel := context.WithCancel(self.ctx)
	self.connCancel = connCancel
	self.stateLock.Unlock()

	glog.V(2).Infof("[ch]open %s\n", self.documentId)

	go self.heartbeat(connCtx, conn)
	go self.readPump(connCtx, conn)
}

func (self *DocumentChannel) dialError(err error) {
	self.stateLock.Lock()
	self.lastErr = err
	nextState, effect := channelTransition(self.state, channelEventDialError)
	self.state = nextState
	var delay time.Duration
	if effect == channelEffectScheduleRetry {
		delay = retryDelay(self.settings.RetryBackoff, self.attempt)
		self.attempt += 1
		self.retryTimer = time.AfterFunc(delay, self.retryElapsed)
	}
	self.stateLock.Unlock()

	if effect == channelEffectScheduleRetry {
		glog.Infof("[ch]%s retry in %s\n", self.documentId, delay)
	}
}

func (self *DocumentChannel) retryElapsed() {
	self.stateLock.Lock()
	self.retryTimer = nil
	nextState, effect := channelTransition(self.state, channelEventRetryElapsed)
	self.state = nextState
	self.stateLock.Unlock()

	if effect == channelEffectDial {
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		go self.dial()
	}
}

// heartbeat keeps the connection alive with a zero-payload frame while
// open. Canceled with the connection context on leaving the open state.
func (self *DocumentChannel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatTimeout):
		}

		frame, _ := NewFrame(MessageTypeHeartbeat, nil)
		if err := self.writeFrame(conn, frame); err != nil {
			glog.Infof("[ch]heartbeat %s error = %s\n", self.documentId, err)
			return
		}
		glog.V(2).Infof("[ch]heartbeat %s->\n", self.documentId)
	}
}

func (self *DocumentChannel) readPump(ctx context.Context, conn *websocket.Conn) {
	defer self.transportClosed(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ch]%s<- closed = %s\n", self.documentId, err)
			return
		}

		frame := &Frame{}
		if err := json.Unmarshal(message, frame); err != nil {
			// malformed frames are dropped without affecting the connection
			glog.Infof("[ch]drop malformed frame %s = %s\n", self.documentId, err)
			continue
		}

		switch frame.Type {
		case MessageTypeConnectionConfirmed:
			// connection ack and history replay marker. consumed here
			glog.V(2).Infof("[ch]confirmed %s\n", self.documentId)
		case MessageTypeHeartbeat:
			glog.V(2).Infof("[ch]heartbeat %s<-\n", self.documentId)
		default:
			for _, callback := range self.receiveCallbacks.Get() {
				callback(frame)
			}
		}
	}
}

func (self *DocumentChannel) transportClosed(conn *websocket.Conn) {
	conn.Close()

	self.stateLock.Lock()
	if self.conn != conn {
		// a newer connection owns the state
		self.stateLock.Unlock()
		return
	}
	if self.connCancel != nil {
		self.connCancel()
		self.connCancel = nil
	}
	self.conn = nil
	nextState, effect := channelTransition(self.state, channelEventTransportClosed)
	self.state = nextState
	var delay time.Duration
	if effect == channelEffectScheduleRetry {
		delay = retryDelay(self.settings.RetryBackoff, self.attempt)
		self.attempt += 1
		self.retryTimer = time.AfterFunc(delay, self.retryElapsed)
	}
	self.stateLock.Unlock()

	if effect == channelEffectScheduleRetry {
		glog.Infof("[ch]%s closed, retry in %s\n", self.documentId, delay)
	}
}

func (self *DocumentChannel) writeFrame(conn *websocket.Conn, frame *Frame) error {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frameBytes)
}
