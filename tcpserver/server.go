// Package tcpserver implements the accepting side of a timerlink link: a TCP
// server that runs one handler goroutine per connection and answers control
// requests from the application's timer state.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/timerlink/connection"
	"github.com/cyberinferno/timerlink/frame"
	"github.com/cyberinferno/timerlink/logger"
	"github.com/cyberinferno/timerlink/protocol"
)

const acceptRetryDelay = 10 * time.Millisecond

var (
	// ErrBind is matched by errors.Is for every *BindError.
	ErrBind = errors.New("bind failed")

	// ErrAlreadyStarted is returned by Start on a server that has left the
	// Created state.
	ErrAlreadyStarted = errors.New("server already started")
)

// BindError reports that the listening socket could not be opened. It is
// fatal to the Start attempt.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error { return []error{ErrBind, e.Err} }

// State is the lifecycle position of a Server.
type State int32

const (
	Created   State = iota // Built, not yet listening
	Listening              // Accept loop running
	Stopping               // Stop called; accept loop or handlers still draining
	Stopped                // Accept loop and every handler have exited
)

// String returns a human-readable name for the state.
func (st State) String() string {
	switch st {
	case Created:
		return "Created"
	case Listening:
		return "Listening"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config holds the server settings. Addr is fixed for the server's lifetime.
type Config struct {
	// Name is used in log messages.
	Name string
	// Addr is the "host:port" to listen on; port 0 picks a free port.
	Addr string
	// HeaderWidth is the frame header width; 0 means frame.DefaultHeaderWidth.
	HeaderWidth int
	// MaxPayloadSize bounds request size; 0 means connection.DefaultMaxPayloadSize.
	MaxPayloadSize int
	// ReadTimeout drops a peer that takes longer than this to deliver a
	// frame, idle time included. 0 waits forever.
	ReadTimeout time.Duration
	// WriteTimeout bounds each reply write. 0 waits forever.
	WriteTimeout time.Duration
	// RequestsPerSecond paces requests per connection; 0 disables pacing.
	RequestsPerSecond float64
	// RequestBurst is the token bucket size used with RequestsPerSecond.
	RequestBurst int
}

// Server accepts connections and runs a handler per connection. The running
// flag is the only stop signal shared by the accept loop and the handlers.
type Server struct {
	logger     logger.Logger
	config     Config
	codec      *frame.Codec
	dispatcher *protocol.Dispatcher

	startMu  sync.Mutex
	listener net.Listener
	running  atomic.Bool
	state    atomic.Int32
	sessions *registry
	group    errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewServer builds a server in the Created state.
//
// Parameters:
//   - cfg: Listen address and connection settings
//   - state: Source of timer state for control replies
//   - log: Logger; nil discards output
//
// Returns:
//   - The server; call Start to begin listening
func NewServer(cfg Config, state protocol.StateProvider, log logger.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "timerlink"
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:     log,
		config:     cfg,
		codec:      frame.NewCodec(cfg.HeaderWidth),
		dispatcher: protocol.NewDispatcher(state),
		sessions:   newRegistry(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start binds Addr and launches the accept loop on its own goroutine.
//
// Returns:
//   - ErrAlreadyStarted if the server is not in the Created state
//   - *BindError if the address is in use or unavailable; the server stays
//     Created and no accept loop runs
func (s *Server) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.State() != Created {
		s.logger.Error("server already started", logger.Field{Key: "state", Value: s.State().String()})
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, s.config.Name)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(s.ctx, "tcp", s.config.Addr)
	if err != nil {
		s.logger.Error(fmt.Sprintf("%s server failed to start", s.config.Name), logger.Field{Key: "error", Value: err})
		return &BindError{Addr: s.config.Addr, Err: err}
	}

	s.listener = ln
	s.running.Store(true)
	s.state.Store(int32(Listening))

	s.logger.Info(fmt.Sprintf("%s server listening", s.config.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.group.Go(s.acceptLoop)
	go func() {
		_ = s.group.Wait()
		s.state.Store(int32(Stopped))
		close(s.done)
		s.logger.Info(fmt.Sprintf("%s server stopped", s.config.Name))
	}()

	return nil
}

// Stop clears the running flag and closes the listening socket so a pending
// Accept returns at once and later connection attempts are refused. Open
// connections are left to their handlers, which exit at their next message
// boundary. Safe to call more than once.
func (s *Server) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.State() == Created {
		s.state.Store(int32(Stopped))
		close(s.done)
		return
	}

	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.state.CompareAndSwap(int32(Listening), int32(Stopping))
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn(fmt.Sprintf("%s server listener close failed", s.config.Name), logger.Field{Key: "error", Value: err})
	}

	s.logger.Info(fmt.Sprintf("%s server stopping", s.config.Name), logger.Field{Key: "sessions", Value: s.sessions.len()})
}

// Shutdown stops the server, closes every open connection, and waits until
// all handlers have exited or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()
	s.cancel()
	s.sessions.closeAll()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the server reaches Stopped.
func (s *Server) Wait() {
	<-s.done
}

// Done is closed when the server reaches Stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Running reports the value of the running flag.
func (s *Server) Running() bool {
	return s.running.Load()
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// SessionCount returns the number of connections with a live handler.
func (s *Server) SessionCount() int {
	return s.sessions.len()
}

func (s *Server) acceptLoop() error {
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			s.logger.Error(fmt.Sprintf("%s server accept error", s.config.Name), logger.Field{Key: "error", Value: err})
			time.Sleep(acceptRetryDelay)
			continue
		}

		if !s.running.Load() {
			_ = conn.Close()
			return nil
		}

		s.serve(conn)
	}

	return nil
}

// serve registers conn and starts its handler without waiting for it.
func (s *Server) serve(conn net.Conn) {
	id := uuid.NewString()
	c := connection.New(conn,
		connection.WithCodec(s.codec),
		connection.WithReadTimeout(s.config.ReadTimeout),
		connection.WithWriteTimeout(s.config.WriteTimeout),
		connection.WithMaxPayloadSize(s.config.MaxPayloadSize),
	)

	sess := newSession(id, c, s)
	s.sessions.add(sess)

	if s.ctx.Err() != nil {
		_ = sess.close()
	}

	s.group.Go(func() error {
		sess.handle(s.ctx)
		return nil
	})
}
