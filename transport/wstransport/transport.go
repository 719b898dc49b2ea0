// Package wstransport implements inspector.Transport over a gorilla
// websocket connection: one read pump, one write pump, dialing an
// outbound relay connection rather than accepting an inbound one.
package wstransport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// websocketDialer is the low-level dial behavior gorilla's websocket.Dialer
// implements; narrowed to ease substitution in tests.
type websocketDialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

var defaultWebsocketDialer websocketDialer = websocket.DefaultDialer

// Options configures a Transport.
type Options struct {
	// URL is the ws:// or wss:// endpoint to dial.
	URL string

	// Header carries any extra headers the relay endpoint requires (e.g.
	// a device/session identifier), mirroring device.DialerOptions'
	// extra-header support.
	Header http.Header

	// WSDialer overrides the dialer used to establish the connection. If
	// nil, gorilla's websocket.DefaultDialer is used.
	WSDialer websocketDialer

	// WriteTimeout bounds a single WriteMessage call.
	WriteTimeout time.Duration

	// SendQueueSize bounds the outbound message channel.
	SendQueueSize int

	// Logger receives connection lifecycle diagnostics.
	Logger *zap.Logger
}

func (o Options) writeTimeout() time.Duration {
	if o.WriteTimeout > 0 {
		return o.WriteTimeout
	}
	return 10 * time.Second
}

func (o Options) sendQueueSize() int {
	if o.SendQueueSize > 0 {
		return o.SendQueueSize
	}
	return 64
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// envelope pairs an outbound frame with the channel its write result is
// reported on; writePump drains these one at a time.
type envelope struct {
	frame    []byte
	complete chan error
}

// Transport dials one websocket connection and runs it as a read
// pump/write pump pair, implementing inspector.Transport.
type Transport struct {
	conn   *websocket.Conn
	logger *zap.Logger
	opts   Options

	outbound chan envelope
	shutdown chan struct{}
	closeOne sync.Once

	mu       sync.Mutex
	receiver func([]byte)
}

// Dial connects to the relay endpoint and starts the pump pair. The
// returned Transport is ready for inspector.New before SetReceiver is
// called; SetReceiver must still be invoked before any inbound frame is
// delivered (frames received before that call are dropped;
// Orchestrator.Connect calls it before sending the handshake).
func Dial(ctx context.Context, opts Options) (*Transport, error) {
	dialer := opts.WSDialer
	if dialer == nil {
		dialer = defaultWebsocketDialer
	}

	conn, _, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %s: %w", opts.URL, err)
	}

	t := &Transport{
		conn:     conn,
		logger:   opts.logger(),
		opts:     opts,
		outbound: make(chan envelope, opts.sendQueueSize()),
		shutdown: make(chan struct{}),
	}

	go t.readPump()
	go t.writePump()

	return t, nil
}

// SetReceiver installs the callback invoked with every inbound binary
// frame.
func (t *Transport) SetReceiver(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = fn
}

func (t *Transport) dispatch(frame []byte) {
	t.mu.Lock()
	recv := t.receiver
	t.mu.Unlock()
	if recv != nil {
		recv(frame)
	}
}

// readPump is the goroutine that reads binary frames off the socket and
// hands them to the installed receiver, one connection's worth of work.
func (t *Transport) readPump() {
	defer t.logger.Debug("wstransport readPump exiting")
	defer t.Close()

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.logger.Debug("wstransport read error", zap.Error(err))
			return
		}
		if messageType != websocket.BinaryMessage {
			t.logger.Debug("wstransport skipping non-binary frame", zap.Int("messageType", messageType))
			continue
		}
		t.dispatch(data)
	}
}

// writePump serializes every outbound Send call onto the one goroutine
// gorilla's websocket.Conn requires for writes.
func (t *Transport) writePump() {
	defer t.logger.Debug("wstransport writePump exiting")

	for {
		select {
		case <-t.shutdown:
			return
		case env := <-t.outbound:
			deadline := time.Now().Add(t.opts.writeTimeout())
			writeErr := t.conn.SetWriteDeadline(deadline)
			if writeErr == nil {
				writeErr = t.conn.WriteMessage(websocket.BinaryMessage, env.frame)
			}
			env.complete <- writeErr
			close(env.complete)
			if writeErr != nil {
				t.logger.Error("wstransport write error", zap.Error(writeErr))
			}
		}
	}
}

// Send queues frame for the write pump and blocks until it is written (or
// fails), honoring ctx cancellation.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	env := envelope{frame: frame, complete: make(chan error, 1)}

	select {
	case t.outbound <- env:
	case <-t.shutdown:
		return fmt.Errorf("wstransport: closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-env.complete:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the connection and stops both pumps. Idempotent.
func (t *Transport) Close() error {
	var err error
	t.closeOne.Do(func() {
		close(t.shutdown)
		err = t.conn.Close()
	})
	return err
}
