// Package wstransport implements the push transport over a websocket
// channel. Frames are JSON-encoded events; a broken connection is redialed
// with jittered exponential backoff and surfaced to the core as
// disconnected/reconnected state changes.
package wstransport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenlive/livesync/event"
	"github.com/lumenlive/livesync/util/backoff"
	"github.com/lumenlive/livesync/util/logger"
	"github.com/lumenlive/livesync/util/metrics"
)

const (
	defaultDialTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second

	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMaxDelay     = 30 * time.Second
)

// Options configures a websocket transport.
type Options struct {
	// URL is the websocket endpoint, e.g. "wss://push.example.com/v1".
	URL string

	// DialTimeout bounds each dial attempt. Zero means 10s.
	DialTimeout time.Duration

	// Header is sent with the handshake, e.g. for bearer auth.
	Header http.Header
}

// Transport is a websocket-backed push channel.
type Transport struct {
	url         string
	dialTimeout time.Duration
	header      http.Header

	writeMu sync.Mutex // serializes writes to the active connection
	connMu  sync.RWMutex
	conn    *websocket.Conn

	subsMu    sync.RWMutex
	nextSubID int
	eventSubs map[int]func(event.Event)
	connSubs  map[int]func(event.ConnState)

	runCancel context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	logger *logger.Logger
}

// Dial connects to the endpoint and starts the read/reconnect loop. The
// initial dial is synchronous so a bad endpoint fails fast; later failures
// are retried internally.
func Dial(ctx context.Context, opts Options) (*Transport, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("websocket URL cannot be empty")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	t := &Transport{
		url:         opts.URL,
		dialTimeout: dialTimeout,
		header:      opts.Header,
		eventSubs:   make(map[int]func(event.Event)),
		connSubs:    make(map[int]func(event.ConnState)),
		done:        make(chan struct{}),
		logger:      logger.NewLogger("WSTransport"),
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial dial failed: %w", err)
	}
	t.setConn(conn)

	runCtx, cancel := context.WithCancel(context.Background())
	t.runCancel = cancel
	go t.run(runCtx)

	t.logger.Infof("Connected to %s", t.url)
	return t, nil
}

// Subscribe registers a handler for every inbound event.
func (t *Transport) Subscribe(handler func(event.Event)) (cancel func()) {
	t.subsMu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.eventSubs[id] = handler
	t.subsMu.Unlock()

	return func() {
		t.subsMu.Lock()
		delete(t.eventSubs, id)
		t.subsMu.Unlock()
	}
}

// OnConnectionChange registers a handler for connection-state transitions.
func (t *Transport) OnConnectionChange(handler func(event.ConnState)) (cancel func()) {
	t.subsMu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.connSubs[id] = handler
	t.subsMu.Unlock()

	return func() {
		t.subsMu.Lock()
		delete(t.connSubs, id)
		t.subsMu.Unlock()
	}
}

// Send writes an event to the channel. Fails immediately when disconnected;
// the caller's reconcile path is the matching inbound confirmation, not a
// retry here.
func (t *Transport) Send(ctx context.Context, ev event.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("transport unavailable: not connected")
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Close tears down the channel and waits for the loop to exit. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.runCancel()
		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
		<-t.done
		t.logger.Infof("Closed")
	})
	return nil
}

// run reads frames until the connection breaks, then redials with backoff
// until cancelled.
func (t *Transport) run(ctx context.Context) {
	defer close(t.done)

	bo := backoff.New(reconnectInitialDelay, reconnectMaxDelay, 2.0).WithJitter(0.2)

	for {
		t.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		t.logger.Warnf("Connection lost, reconnecting")
		t.notifyConn(event.Disconnected)

		for {
			if err := bo.Wait(ctx); err != nil {
				return
			}
			conn, err := t.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Warnf("Reconnect failed (next in %v): %v", bo.CurrentDelay(), err)
				continue
			}
			t.setConn(conn)
			bo.Reset()
			t.logger.Infof("Reconnected to %s", t.url)
			t.notifyConn(event.Reconnected)
			break
		}
	}
}

// readLoop decodes inbound frames and fans them out until the connection
// errors. Undecodable frames are dropped, never fatal.
func (t *Transport) readLoop(ctx context.Context) {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Debugf("Read failed: %v", err)
			}
			return
		}

		ev, err := event.Decode(data)
		if err != nil {
			t.logger.Warnf("Dropping undecodable frame: %v", err)
			metrics.RecordEventDropped("undecodable_frame")
			continue
		}
		t.notifyEvent(ev)
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.connMu.Lock()
	if t.conn != nil && t.conn != conn {
		_ = t.conn.Close()
	}
	t.conn = conn
	t.connMu.Unlock()
}

func (t *Transport) notifyEvent(ev event.Event) {
	t.subsMu.RLock()
	handlers := make([]func(event.Event), 0, len(t.eventSubs))
	for _, h := range t.eventSubs {
		handlers = append(handlers, h)
	}
	t.subsMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (t *Transport) notifyConn(state event.ConnState) {
	t.subsMu.RLock()
	handlers := make([]func(event.ConnState), 0, len(t.connSubs))
	for _, h := range t.connSubs {
		handlers = append(handlers, h)
	}
	t.subsMu.RUnlock()

	for _, h := range handlers {
		h(state)
	}
}
