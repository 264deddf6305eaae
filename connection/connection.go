// Package connection wraps one established stream socket with the timerlink
// frame protocol. A Connection sends and receives whole text messages; it
// never buffers beyond the frame currently being assembled.
package connection

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/timerlink/frame"
)

// DefaultMaxPayloadSize bounds the payload a Connection accepts or sends
// unless overridden with WithMaxPayloadSize.
const DefaultMaxPayloadSize = 1 << 20

var (
	// ErrConnectionClosed is returned by Send and Receive once Close has
	// been called.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrEndOfStream is returned by Receive when the peer closed the stream
	// before sending any byte of a new header.
	ErrEndOfStream = errors.New("end of stream")
)

// IOError is a transport failure on a connection. It carries the operation
// and the remote address for diagnostics.
type IOError struct {
	Op   string // "read header", "read payload", "write"
	Addr string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Option configures a Connection.
type Option func(*Connection)

// WithCodec sets the frame codec. The default uses frame.DefaultHeaderWidth.
func WithCodec(codec *frame.Codec) Option {
	return func(c *Connection) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithReadTimeout limits how long a single Receive may wait for a complete
// frame, idle time included. Zero disables the limit, in which case a peer
// that stops mid-frame blocks Receive forever.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Connection) { c.readTimeout = d }
}

// WithWriteTimeout limits how long a single Send may block.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) { c.writeTimeout = d }
}

// WithMaxPayloadSize sets the largest payload Send and Receive will handle.
// Values <= 0 leave the default in place.
func WithMaxPayloadSize(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.maxPayload = n
		}
	}
}

// Connection owns exactly one net.Conn. Sends are serialized so frames from
// concurrent callers never interleave; receives are serialized likewise.
type Connection struct {
	conn         net.Conn
	codec        *frame.Codec
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxPayload   int

	sendMu    sync.Mutex
	recvMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// New wraps conn. The Connection takes ownership and closes conn on Close.
//
// Parameters:
//   - conn: An established stream connection
//   - opts: Optional settings (codec, timeouts, payload limit)
//
// Returns:
//   - A Connection ready for Send and Receive
func New(conn net.Conn, opts ...Option) *Connection {
	c := &Connection{
		conn:       conn,
		codec:      frame.NewCodec(frame.DefaultHeaderWidth),
		maxPayload: DefaultMaxPayloadSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RemoteAddr returns the peer address as a string.
func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}

// Send writes text as one frame: header first, payload second, in a single
// write.
//
// Returns:
//   - ErrConnectionClosed if the connection is closed
//   - frame.ErrInvalidEncoding or frame.ErrFrameTooLarge if text cannot be framed
//   - *IOError on transport failure
func (c *Connection) Send(text string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	payload := []byte(text)
	if err := frame.ValidText(payload); err != nil {
		return err
	}

	if len(payload) > c.maxPayload {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", frame.ErrFrameTooLarge, len(payload), c.maxPayload)
	}

	data, err := c.codec.Encode(payload)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return c.wrap("write", err)
		}

		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}

	if _, err := c.conn.Write(data); err != nil {
		return c.wrap("write", err)
	}

	return nil
}

// Receive blocks until one whole frame has arrived and returns its payload.
//
// Returns:
//   - The payload text
//   - ErrEndOfStream if the peer closed before starting a new frame
//   - ErrConnectionClosed if the connection is or becomes closed locally
//   - frame.ErrMalformedHeader, frame.ErrFrameTooLarge or
//     frame.ErrInvalidEncoding on protocol violations
//   - *IOError when the stream ends mid-frame or the transport fails
func (c *Connection) Receive() (string, error) {
	if c.closed.Load() {
		return "", ErrConnectionClosed
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return "", c.wrap("read header", err)
		}
	}

	header := make([]byte, c.codec.Width())
	if _, err := io.ReadFull(c.conn, header); err != nil {
		if errors.Is(err, io.EOF) {
			return "", ErrEndOfStream
		}

		return "", c.wrap("read header", err)
	}

	n, err := c.codec.DecodeHeader(header)
	if err != nil {
		return "", err
	}

	if n > c.maxPayload {
		return "", fmt.Errorf("%w: peer announced %d bytes, limit %d", frame.ErrFrameTooLarge, n, c.maxPayload)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return "", c.wrap("read payload", err)
	}

	if err := frame.ValidText(payload); err != nil {
		return "", err
	}

	return string(payload), nil
}

// Close releases the socket. It is idempotent; only the first call reports
// the error from closing the socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})

	return err
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// wrap maps a transport error to ErrConnectionClosed when the socket was
// closed locally, and to *IOError otherwise.
func (c *Connection) wrap(op string, err error) error {
	if c.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrConnectionClosed
	}

	return &IOError{Op: op, Addr: c.RemoteAddr(), Err: err}
}
