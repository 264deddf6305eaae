// Package tcpclient implements the connecting side of a timerlink link. A
// Client holds at most one connection and speaks a strict request/response
// discipline: every request except the disconnect marker expects exactly one
// reply frame. All calls block the calling goroutine; UI code should call them
// from a background goroutine.
package tcpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/timerlink/connection"
	"github.com/cyberinferno/timerlink/frame"
	"github.com/cyberinferno/timerlink/logger"
	"github.com/cyberinferno/timerlink/protocol"
)

var (
	// ErrConnectionFailed is matched by errors.Is for every
	// *ConnectionFailedError. Callers may retry.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected is returned by Send and Disconnect without a live
	// connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect while connected.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrClientClosed is returned by every call after Close.
	ErrClientClosed = errors.New("client is closed")

	// ErrUnexpectedReply is returned by the query helpers when the server
	// reply does not have the expected shape.
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrReconnectFailed is attached to the final Disconnected event when
	// auto-reconnect used up its attempts.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
)

// ConnectionFailedError reports a dial failure (refused, unreachable,
// timed out).
type ConnectionFailedError struct {
	Addr string
	Err  error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionFailedError) Unwrap() []error { return []error{ErrConnectionFailed, e.Err} }

// ConnectionState represents the current state of the client.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // No connection
	Connecting                          // Dial in progress
	Connected                           // Connection established
	Reconnecting                        // Link lost, waiting to redial (AutoReconnect only)
	Closed                              // Client closed for good
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted on every state change.
type ConnectionStateEvent struct {
	State     ConnectionState // The new state
	Address   string          // The server address
	Timestamp time.Time       // When the change happened
	Error     error           // Non-nil if the change was caused by an error
}

// ConnectionStateHandler receives state events on its own goroutine.
type ConnectionStateHandler func(event ConnectionStateEvent)

// Config holds the client settings.
type Config struct {
	// Address is the "host:port" of the server.
	Address string
	// ConnectionTimeout bounds the dial; 0 waits for the OS default.
	ConnectionTimeout time.Duration
	// WriteTimeout bounds each request write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout bounds the wait for each reply; 0 means no timeout.
	ReadTimeout time.Duration
	// HeaderWidth must match the server; 0 means frame.DefaultHeaderWidth.
	HeaderWidth int
	// MaxPayloadSize bounds reply size; 0 means connection.DefaultMaxPayloadSize.
	MaxPayloadSize int
	// AutoReconnect redials in the background after a request finds the link
	// broken. An explicit Disconnect or Close never triggers it.
	AutoReconnect bool
	// ReconnectInterval is the delay before each redial.
	ReconnectInterval time.Duration
	// ReconnectAttempts caps the redials per lost link; 0 retries until
	// Disconnect or Close.
	ReconnectAttempts int
}

// DefaultConfig returns a Config for address with ConnectionTimeout and
// WriteTimeout of 10s, no read timeout, and AutoReconnect off with a 5s
// ReconnectInterval.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeaderWidth:       frame.DefaultHeaderWidth,
		MaxPayloadSize:    connection.DefaultMaxPayloadSize,
		ReconnectInterval: 5 * time.Second,
	}
}

// Client is a timerlink client. It is safe for concurrent use; concurrent
// requests are serialized so at most one is outstanding.
type Client struct {
	config Config
	logger logger.Logger
	codec  *frame.Codec

	reqMu             sync.Mutex
	mu                sync.RWMutex
	conn              *connection.Connection
	state             ConnectionState
	onConnectionState ConnectionStateHandler
	reconnect         *reconnectJob
}

// reconnectJob is one background redial loop.
type reconnectJob struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient returns a client in the Disconnected state.
//
// Parameters:
//   - config: Server address and timeouts (see DefaultConfig)
//   - log: Logger; nil discards output
//
// Returns:
//   - The client; call Connect before Send
func NewClient(config Config, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		config: config,
		logger: log.With(logger.Field{Key: "server", Value: config.Address}),
		codec:  frame.NewCodec(config.HeaderWidth),
		state:  Disconnected,
	}
}

// OnConnectionState registers the state change handler, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// Connect dials the server.
//
// Returns:
//   - nil once connected
//   - ErrAlreadyConnected, ErrClientClosed, or a *ConnectionFailedError; the
//     client is Disconnected after a failure and Connect may be retried
func (c *Client) Connect() error {
	return c.connect(context.Background())
}

// connect dials unless ctx ends first; a ctx cancelled while dialing drops
// the new connection.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrClientClosed
	case Connected, Connecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()

	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		failure := &ConnectionFailedError{Addr: c.config.Address, Err: err}
		c.logger.Warn("connect failed", logger.Field{Key: "error", Value: err})
		c.setState(Disconnected, failure)
		return failure
	}

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(Disconnected, err)
		return err
	}
	c.conn = connection.New(conn,
		connection.WithCodec(c.codec),
		connection.WithReadTimeout(c.config.ReadTimeout),
		connection.WithWriteTimeout(c.config.WriteTimeout),
		connection.WithMaxPayloadSize(c.config.MaxPayloadSize),
	)
	c.mu.Unlock()

	c.logger.Info("connected")
	c.setState(Connected, nil)
	return nil
}

// Send transmits text and waits for the server's reply. Sending
// protocol.Disconnect is the same as calling Disconnect and returns "".
//
// Returns:
//   - The reply payload
//   - ErrNotConnected before a successful Connect
//   - frame.ErrInvalidEncoding or frame.ErrFrameTooLarge for text that cannot
//     be framed; nothing is sent and the connection stays up
//   - A transport error or connection.ErrEndOfStream when the link broke,
//     after which the client is Disconnected (Reconnecting with AutoReconnect)
func (c *Client) Send(text string) (string, error) {
	if text == protocol.Disconnect {
		return "", c.Disconnect()
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	conn, err := c.current()
	if err != nil {
		return "", err
	}

	if err := conn.Send(text); err != nil {
		// rejected before reaching the wire; the link is still good
		if errors.Is(err, frame.ErrInvalidEncoding) || errors.Is(err, frame.ErrFrameTooLarge) {
			return "", err
		}

		return "", c.fail(conn, err)
	}

	reply, err := conn.Receive()
	if err != nil {
		return "", c.fail(conn, err)
	}

	return reply, nil
}

// Disconnect sends the disconnect marker, closes the connection and moves to
// Disconnected. A failure to deliver the marker is logged, not returned.
//
// Returns:
//   - ErrNotConnected if there was no connection, otherwise nil
func (c *Client) Disconnect() error {
	stopped := c.stopReconnect()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		if stopped {
			c.setState(Disconnected, nil)
			return nil
		}

		return ErrNotConnected
	}

	if err := conn.Send(protocol.Disconnect); err != nil {
		c.logger.Warn("disconnect marker not delivered", logger.Field{Key: "error", Value: err})
	}

	if err := conn.Close(); err != nil {
		c.logger.Debug("close failed", logger.Field{Key: "error", Value: err})
	}

	c.logger.Info("disconnected")
	c.setState(Disconnected, nil)
	return nil
}

// Close disconnects if needed and makes the client unusable. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.stopReconnect()
	if err := c.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}

	c.setState(Closed, nil)
	return nil
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is Connected.
func (c *Client) IsConnected() bool {
	return c.GetState() == Connected
}

// RemainingTime asks for the formatted remaining time, e.g. "24:59".
func (c *Client) RemainingTime() (string, error) {
	return c.query(protocol.Timer)
}

// Phase asks for the current timer phase label.
func (c *Client) Phase() (string, error) {
	return c.query(protocol.Type)
}

// TotalTasks asks for the configured task count.
func (c *Client) TotalTasks() (int, error) {
	return c.queryInt(protocol.Total)
}

// RemainingTasks asks for the number of tasks left.
func (c *Client) RemainingTasks() (int, error) {
	return c.queryInt(protocol.Remains)
}

func (c *Client) query(request string) (string, error) {
	reply, err := c.Send(request)
	if err != nil {
		return "", err
	}

	if reply == protocol.Unrecognized || reply == protocol.Unavailable {
		return "", fmt.Errorf("%w: %s answered %s", ErrUnexpectedReply, request, reply)
	}

	return reply, nil
}

func (c *Client) queryInt(request string) (int, error) {
	reply, err := c.query(request)
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(reply)
	if err != nil {
		return 0, fmt.Errorf("%w: %s answered %q", ErrUnexpectedReply, request, reply)
	}

	return n, nil
}

func (c *Client) current() (*connection.Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == Closed {
		return nil, ErrClientClosed
	}

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	return c.conn, nil
}

// fail drops conn after a broken request unless a concurrent Disconnect
// already replaced it.
func (c *Client) fail(conn *connection.Connection, err error) error {
	c.mu.Lock()
	owned := c.conn == conn
	if owned {
		c.conn = nil
	}
	c.mu.Unlock()

	_ = conn.Close()

	if !owned {
		if errors.Is(err, connection.ErrConnectionClosed) {
			return ErrNotConnected
		}

		return err
	}

	if errors.Is(err, connection.ErrEndOfStream) {
		c.logger.Info("server closed the connection")
	} else {
		c.logger.Warn("request failed", logger.Field{Key: "error", Value: err})
	}

	c.setState(Disconnected, err)
	if c.config.AutoReconnect {
		c.startReconnect()
	}

	return err
}

// startReconnect launches the redial loop unless one is already running.
func (c *Client) startReconnect() {
	c.mu.Lock()
	if c.state == Closed || c.reconnect != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	job := &reconnectJob{ctx: ctx, cancel: cancel}
	c.reconnect = job
	c.mu.Unlock()

	c.setState(Reconnecting, nil)
	go c.reconnectLoop(job)
}

// stopReconnect cancels a running redial loop and reports whether there was
// one.
func (c *Client) stopReconnect() bool {
	c.mu.Lock()
	job := c.reconnect
	c.reconnect = nil
	c.mu.Unlock()

	if job == nil {
		return false
	}

	job.cancel()
	return true
}

func (c *Client) reconnectLoop(job *reconnectJob) {
	defer job.cancel()

	limit := c.config.ReconnectAttempts
	for attempt := 1; limit <= 0 || attempt <= limit; attempt++ {
		select {
		case <-job.ctx.Done():
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		err := c.connect(job.ctx)
		if err == nil || errors.Is(err, ErrAlreadyConnected) {
			c.logger.Info("reconnected", logger.Field{Key: "attempt", Value: attempt})
			c.finishReconnect(job)
			return
		}

		if errors.Is(err, ErrClientClosed) || job.ctx.Err() != nil {
			return
		}

		c.logger.Warn("reconnect failed", logger.Field{Key: "attempt", Value: attempt}, logger.Field{Key: "error", Value: err})
		c.setState(Reconnecting, err)
	}

	if c.finishReconnect(job) {
		c.setState(Disconnected, ErrReconnectFailed)
	}
}

// finishReconnect clears job if it is still the current one.
func (c *Client) finishReconnect(job *reconnectJob) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reconnect != job {
		return false
	}

	c.reconnect = nil
	return true
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		event := ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		}

		go handler(event)
	}
}
