package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/internal/orchestrator"
	"github.com/sessionmux/sessionmux/internal/recorder"
	"github.com/sessionmux/sessionmux/pkg/types"
)

const (
	writeTimeout = 10 * time.Second

	// ackEvery paces the opportunistic ack heartbeat: one ack per this
	// many delivered events per session.
	ackEvery = 32

	outboundBuffer = 256
)

// Authenticator validates the request's principal before upgrade. A nil
// error admits the connection.
type Authenticator func(r *http.Request) error

// Config holds transport timing and auth settings.
type Config struct {
	HeartbeatMS    int
	PongDeadlineMS int
	Authenticate   Authenticator
}

// Mux upgrades websocket connections and serves the multiplexed
// attach/stream protocol over them.
type Mux struct {
	orch         *orchestrator.Orchestrator
	auth         Authenticator
	heartbeat    time.Duration
	pongDeadline time.Duration

	ready    atomic.Bool
	upgrader websocket.Upgrader
}

// New creates the multiplexer. It refuses connections until SetReady,
// which the serve path calls once boot recovery has reconciled.
func New(orch *orchestrator.Orchestrator, cfg Config) *Mux {
	if cfg.HeartbeatMS <= 0 {
		cfg.HeartbeatMS = 20000
	}
	if cfg.PongDeadlineMS <= 0 {
		cfg.PongDeadlineMS = 30000
	}
	return &Mux{
		orch:         orch,
		auth:         cfg.Authenticate,
		heartbeat:    time.Duration(cfg.HeartbeatMS) * time.Millisecond,
		pongDeadline: time.Duration(cfg.PongDeadlineMS) * time.Millisecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth is the token, not the origin; browsers are not the
			// only clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetReady opens the multiplexer for attachments.
func (m *Mux) SetReady() { m.ready.Store(true) }

// SetAuthenticator installs the principal check. Called during wiring,
// before the listener starts.
func (m *Mux) SetAuthenticator(auth Authenticator) { m.auth = auth }

// ServeHTTP upgrades the request and runs the connection until it
// drops, times out, or is torn down.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.ready.Load() {
		http.Error(w, "recovering", http.StatusServiceUnavailable)
		return
	}
	if m.auth != nil {
		if err := m.auth(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		mux:         m,
		ws:          ws,
		out:         make(chan Message, outboundBuffer),
		attachments: make(map[string]*recorder.Subscription),
		closed:      make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())
	c.run()
}

// conn is one multiplexed client connection. The read loop is the only
// reader; writeMu serializes data frames between the writer goroutine
// and teardown's final flush.
type conn struct {
	mux *Mux
	ws  *websocket.Conn
	out chan Message

	mu          sync.Mutex
	attachments map[string]*recorder.Subscription

	writeMu   sync.Mutex
	lastPong  atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *conn) run() {
	defer c.teardown("")

	go c.writeLoop()

	// The first frame must be hello.
	c.ws.SetReadDeadline(time.Now().Add(c.mux.pongDeadline))
	var hello Message
	if err := c.ws.ReadJSON(&hello); err != nil || hello.Op != OpHello {
		c.send(Message{V: ProtocolVersion, Op: OpError, Kind: types.ErrProtocolError, Message: "expected hello"})
		return
	}
	if hello.ProtocolVersion != 0 && hello.ProtocolVersion != ProtocolVersion {
		c.send(Message{V: ProtocolVersion, Op: OpError, Kind: types.ErrProtocolError, Message: "unsupported protocol version"})
		return
	}

	c.send(Message{
		V:  ProtocolVersion,
		Op: OpWelcome,
		Caps: &Capabilities{
			Kinds:           c.mux.orch.Kinds(),
			MaxQueue:        c.mux.orch.Recorder().QueueSize(),
			ProtocolVersion: ProtocolVersion,
		},
	})

	go c.pingLoop()

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.mux.pongDeadline))
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg Message) {
	ctx := context.Background()

	switch msg.Op {
	case OpAttach:
		c.attach(msg)

	case OpDetach:
		c.detach(msg.SessionID)

	case OpInput:
		if err := c.mux.orch.SendInput(ctx, msg.SessionID, msg.Data); err != nil {
			c.send(errorMessage(msg.SessionID, err))
		}

	case OpOp:
		if err := c.mux.orch.PerformOperation(ctx, msg.SessionID, msg.Name, msg.Args); err != nil {
			c.send(errorMessage(msg.SessionID, err))
		}

	case OpClose:
		if err := c.mux.orch.Close(ctx, msg.SessionID); err != nil {
			c.send(errorMessage(msg.SessionID, err))
		}

	case OpPing:
		c.send(Message{V: ProtocolVersion, Op: OpPong})

	case OpPong:
		c.lastPong.Store(time.Now().UnixNano())

	case OpAck:
		// Advisory; persistence is the source of truth.

	default:
		c.send(Message{V: ProtocolVersion, Op: OpError, Kind: types.ErrProtocolError,
			Message: "unknown op " + msg.Op})
	}
}

// attach subscribes this connection to a session's event stream and
// starts its delivery pump.
func (c *conn) attach(msg Message) {
	ctx := context.Background()

	if _, err := c.mux.orch.Get(ctx, msg.SessionID); err != nil {
		c.send(errorMessage(msg.SessionID, err))
		return
	}

	c.mu.Lock()
	if _, dup := c.attachments[msg.SessionID]; dup {
		c.mu.Unlock()
		c.send(Message{V: ProtocolVersion, Op: OpError, SessionID: msg.SessionID,
			Kind: types.ErrProtocolError, Message: "already attached"})
		return
	}
	sub := c.mux.orch.Recorder().Subscribe(ctx, msg.SessionID, msg.FromSeq)
	c.attachments[msg.SessionID] = sub
	c.mu.Unlock()

	go c.pump(msg.SessionID, sub)
}

func (c *conn) detach(sessionID string) {
	c.mu.Lock()
	sub, ok := c.attachments[sessionID]
	if ok {
		delete(c.attachments, sessionID)
	}
	c.mu.Unlock()
	if ok {
		c.mux.orch.Recorder().Unsubscribe(sub)
	}
}

// pump delivers one subscription's events to the socket in seq order.
// If the subscription is evicted for slowness the whole connection is
// closed with a slow-consumer reason; the client reconnects and replays
// from its last acknowledged seq.
func (c *conn) pump(sessionID string, sub *recorder.Subscription) {
	var delivered int64
	for {
		select {
		case ev := <-sub.Events():
			c.send(Message{V: ProtocolVersion, Op: OpEvent, SessionID: sessionID, Event: &ev})
			delivered++
			if delivered%ackEvery == 0 {
				c.send(Message{V: ProtocolVersion, Op: OpAck, SessionID: sessionID, Seq: ev.Seq})
			}

		case <-sub.Done():
			err := sub.Err()
			switch {
			case err == nil:
				// Clean detach or session deletion.
			case types.IsKind(err, types.ErrSlowConsumer):
				logging.Warn().Str("sessionID", sessionID).Msg("dropping slow consumer connection")
				c.teardown("slow-consumer")
			default:
				c.send(errorMessage(sessionID, err))
			}
			c.mu.Lock()
			delete(c.attachments, sessionID)
			c.mu.Unlock()
			return

		case <-c.closed:
			return
		}
	}
}

// send queues a message for the writer. Blocking here is deliberate:
// a stuffed outbound queue stalls the pump, fills the subscription
// queue, and lets the recorder's eviction policy decide.
func (c *conn) send(msg Message) {
	select {
	case c.out <- msg:
	case <-c.closed:
	}
}

func (c *conn) writeJSON(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *conn) writeLoop() {
	for {
		select {
		case msg := <-c.out:
			if err := c.writeJSON(msg); err != nil {
				c.teardown("")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// pingLoop enforces the heartbeat: a ping on every interval, teardown
// when no pong arrives within the deadline.
func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.mux.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > c.mux.pongDeadline {
				logging.Debug().Msg("pong deadline exceeded, dropping connection")
				c.teardown("pong-timeout")
				return
			}
			c.send(Message{V: ProtocolVersion, Op: OpPing})
		case <-c.closed:
			return
		}
	}
}

// teardown closes the socket once and releases every subscription.
// Frames queued before the close decision — a handshake error reply
// included — are flushed first; anything a frame would have carried
// remains persisted either way.
func (c *conn) teardown(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		subs := make([]*recorder.Subscription, 0, len(c.attachments))
		for id, sub := range c.attachments {
			subs = append(subs, sub)
			delete(c.attachments, id)
		}
		c.mu.Unlock()
		for _, sub := range subs {
			c.mux.orch.Recorder().Unsubscribe(sub)
		}

	drain:
		for {
			select {
			case msg := <-c.out:
				if err := c.writeJSON(msg); err != nil {
					break drain
				}
			default:
				break drain
			}
		}

		if reason != "" {
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
		}
		_ = c.ws.Close()
	})
}
