// Package transport maintains one persistent websocket connection to a hub
// and provides a request/response façade over what is otherwise an
// asynchronous, unordered message channel. Outbound messages are queued and
// written strictly in FIFO order; responses are correlated by message id and
// delivered to callers in enqueue order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"nhooyr.io/websocket"

	"hubctl/internal/hub"
	"hubctl/internal/protocol"
)

var (
	// ErrTimeout is returned when a queued message gets no correlated
	// response within the per-message timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionClosed rejects messages still queued when the connection
	// is torn down, either deliberately or after reconnect exhaustion.
	ErrConnectionClosed = errors.New("connection closed")
)

// Config holds transport tuning knobs. Zero values take the defaults below;
// the ceilings are empirically chosen, not protocol requirements.
type Config struct {
	ConnectTimeout    time.Duration // connection establishment ceiling (default 5s)
	RequestTimeout    time.Duration // per-message response ceiling (default 5s)
	KeepaliveInterval time.Duration // liveness probe interval (default 30s)
	ReconnectAttempts int           // attempts after unexpected close (default 3)
	ReconnectBase     time.Duration // first backoff delay, doubles per attempt (default 1s)
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	return c
}

type status int

const (
	statusDisconnected status = iota
	statusConnecting
	statusConnected
	statusReconnecting
)

// session is one physical connection. A new session is created on every
// successful dial; its done channel stops the loops bound to it.
type session struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(code, reason)
	})
}

// Transport is a persistent duplex connection to one hub.
type Transport struct {
	url    string
	cfg    Config
	logger *slog.Logger

	q msgQueue

	mu          sync.Mutex
	status      status
	sess        *session
	connectedCh chan struct{} // closed while connected, replaced on loss
	connectDone chan struct{} // non-nil while a connect is in flight
	connectErr  error
	stopCh      chan struct{} // stops the dispatcher on teardown
	dispatching bool

	wg sync.WaitGroup
}

// New creates a Transport for the given websocket URL. No connection is
// opened until Connect.
func New(url string, cfg Config, logger *slog.Logger) *Transport {
	t := &Transport{
		url:         url,
		cfg:         cfg.withDefaults(),
		logger:      logger.With("component", "transport"),
		connectedCh: make(chan struct{}),
	}
	t.q.notify = make(chan struct{}, 1)
	return t
}

// Connect opens the connection. Idempotent: while already connected it
// returns nil, and while a connect is in flight it awaits the same outcome
// rather than opening a second connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.status {
	case statusConnected:
		t.mu.Unlock()
		return nil
	case statusConnecting:
		done := t.connectDone
		t.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.mu.Lock()
		err := t.connectErr
		t.mu.Unlock()
		return err
	case statusReconnecting:
		// Automatic recovery in progress; wait for it to settle, then rerun
		// the state machine (recovery may have torn the connection down).
		ch := t.connectedCh
		t.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		return t.Connect(ctx)
	}

	done := make(chan struct{})
	t.connectDone = done
	t.connectErr = nil
	t.status = statusConnecting
	t.mu.Unlock()

	err := t.dial(ctx, statusConnecting)

	t.mu.Lock()
	t.connectErr = err
	if err != nil {
		t.status = statusDisconnected
	}
	t.connectDone = nil
	close(done)
	t.mu.Unlock()
	return err
}

// dial opens the websocket and, on success, installs a new session and
// starts its loops. The commit is aborted when the transport left the
// expected state in the meantime (e.g. Disconnect during a reconnect).
func (t *Transport) dial(ctx context.Context, expect status) error {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, t.url, nil)
	if err != nil {
		return hub.NewError(hub.CategoryConnection, "dial "+t.url, err)
	}

	sess := &session{conn: conn, done: make(chan struct{})}

	t.mu.Lock()
	if t.status != expect {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return hub.NewError(hub.CategoryConnection, "connect aborted", ErrConnectionClosed)
	}
	t.sess = sess
	t.status = statusConnected
	close(t.connectedCh)
	if !t.dispatching {
		t.dispatching = true
		t.stopCh = make(chan struct{})
		t.wg.Add(1)
		go t.dispatchLoop(t.stopCh)
	}
	t.mu.Unlock()

	t.wg.Add(2)
	go t.readLoop(sess)
	go t.keepaliveLoop(sess)
	return nil
}

// Send enqueues a message and waits for its correlated response. A message
// submitted while disconnected waits for the connection to come back; it is
// rejected with ErrTimeout after the per-message timeout, or with
// ErrConnectionClosed when the queue is torn down.
func (t *Transport) Send(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error) {
	qm := &queuedMessage{
		id:       uuid.New(),
		msgType:  msgType,
		payload:  payload,
		enqueued: time.Now(),
		respCh:   make(chan response, 1),
	}
	t.q.enqueue(qm)

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-qm.respCh:
		return resp.payload, resp.err
	case <-timer.C:
		t.q.abandon(qm)
		// A response may have slipped in while we were abandoning.
		select {
		case resp := <-qm.respCh:
			return resp.payload, resp.err
		default:
		}
		return nil, fmt.Errorf("%s: %w", msgType, ErrTimeout)
	case <-ctx.Done():
		t.q.abandon(qm)
		select {
		case resp := <-qm.respCh:
			return resp.payload, resp.err
		default:
		}
		return nil, ctx.Err()
	}
}

// Connected reports whether a live connection is currently established.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == statusConnected
}

// Disconnect tears the connection down: stops keepalive, rejects every
// still-queued message with ErrConnectionClosed, and resets state so a fresh
// Connect is possible. Safe to call twice.
func (t *Transport) Disconnect() error {
	t.teardown(websocket.StatusNormalClosure, "client disconnect")
	t.wg.Wait()
	return nil
}

func (t *Transport) teardown(code websocket.StatusCode, reason string) {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	if t.status == statusReconnecting {
		// Wake waiters parked on the recovery; they recheck state.
		close(t.connectedCh)
	}
	t.status = statusDisconnected
	t.connectedCh = make(chan struct{})
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
	t.dispatching = false
	t.mu.Unlock()

	if sess != nil {
		sess.shutdown(code, reason)
	}
	t.q.rejectAll(fmt.Errorf("%s: %w", reason, ErrConnectionClosed))
}

// dispatchLoop drains the outbound queue in FIFO order, advancing only while
// a connection is open.
func (t *Transport) dispatchLoop(stop chan struct{}) {
	defer t.wg.Done()
	for {
		sess := t.waitConnected(stop)
		if sess == nil {
			return
		}
		qm := t.q.nextPending(stop)
		if qm == nil {
			return
		}

		env := protocol.Envelope{ID: qm.id, Type: qm.msgType, Payload: qm.payload}
		data, err := json.Marshal(env)
		if err != nil {
			t.q.fail(qm, fmt.Errorf("encode %s: %w", qm.msgType, err))
			continue
		}

		wctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		err = sess.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			// Put the message back at the head so it goes out first after
			// reconnection, then let the session recovery run.
			t.q.requeueFront(qm)
			t.handleLost(sess, fmt.Errorf("write %s: %w", qm.msgType, err))
			continue
		}
		t.logger.Debug("message sent", "type", qm.msgType, "id", qm.id)
	}
}

func (t *Transport) waitConnected(stop chan struct{}) *session {
	for {
		t.mu.Lock()
		if t.status == statusConnected {
			sess := t.sess
			t.mu.Unlock()
			return sess
		}
		ch := t.connectedCh
		t.mu.Unlock()
		select {
		case <-ch:
		case <-stop:
			return nil
		}
	}
}

func (t *Transport) readLoop(sess *session) {
	defer t.wg.Done()
	for {
		_, data, err := sess.conn.Read(context.Background())
		if err != nil {
			select {
			case <-sess.done:
				// Deliberate close.
			default:
				t.handleLost(sess, err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("undecodable frame from hub", "err", err)
			continue
		}
		if !t.q.resolve(env.ID, env.Payload) {
			t.logger.Warn("orphaned response (too late)", "id", env.ID, "type", env.Type)
		}
	}
}

func (t *Transport) keepaliveLoop(sess *session) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
			err := sess.conn.Ping(pctx)
			cancel()
			if err != nil {
				t.handleLost(sess, fmt.Errorf("keepalive: %w", err))
				return
			}
			t.logger.Debug("keepalive ok")
		}
	}
}

// handleLost reacts to an unexpected connection fault. Only the first caller
// for a still-current session starts recovery.
func (t *Transport) handleLost(sess *session, cause error) {
	sess.shutdown(websocket.StatusAbnormalClosure, "connection fault")

	t.mu.Lock()
	if t.sess != sess || t.status != statusConnected {
		t.mu.Unlock()
		return
	}
	t.sess = nil
	t.status = statusReconnecting
	t.connectedCh = make(chan struct{})
	stop := t.stopCh
	t.mu.Unlock()

	t.logger.Warn("hub connection lost", "err", cause)
	t.wg.Add(1)
	go t.reconnect(stop)
}

// reconnect retries the dial with exponential backoff. Exhausting the
// attempt ceiling tears the queue down; callers above must re-run
// discovery/connect rather than expect silent recovery.
func (t *Transport) reconnect(stop chan struct{}) {
	defer t.wg.Done()
	backoff := t.cfg.ReconnectBase
	for attempt := 1; attempt <= t.cfg.ReconnectAttempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}

		t.mu.Lock()
		if t.status != statusReconnecting {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		err := t.dial(context.Background(), statusReconnecting)
		if err == nil {
			t.logger.Info("reconnected", "attempt", attempt)
			return
		}
		t.logger.Warn("reconnect failed", "attempt", attempt, "backoff", backoff, "err", err)
		backoff *= 2
	}

	t.logger.Error("reconnect attempts exhausted, tearing down", "attempts", t.cfg.ReconnectAttempts)
	t.teardown(websocket.StatusAbnormalClosure, "reconnect exhausted")
}
