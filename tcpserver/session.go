package tcpserver

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/cyberinferno/timerlink/connection"
	"github.com/cyberinferno/timerlink/logger"
)

// session is the handler state for one accepted connection. Only its own
// goroutine uses conn for I/O; Shutdown may close it from outside.
type session struct {
	id      string
	conn    *connection.Connection
	server  *Server
	logger  logger.Logger
	limiter *rate.Limiter
}

func newSession(id string, conn *connection.Connection, server *Server) *session {
	s := &session{
		id:     id,
		conn:   conn,
		server: server,
		logger: server.logger.With(
			logger.Field{Key: "conn", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr()},
		),
	}

	if rps := server.config.RequestsPerSecond; rps > 0 {
		burst := server.config.RequestBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return s
}

// handle runs the receive, dispatch, reply cycle until the peer leaves, the
// peer faults, or the server stops running.
func (s *session) handle(ctx context.Context) {
	defer s.finish()

	s.logger.Debug("peer connected", logger.Field{Key: "sessions", Value: s.server.sessions.len()})

	for s.server.running.Load() {
		msg, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, connection.ErrEndOfStream) || errors.Is(err, connection.ErrConnectionClosed) {
				s.logger.Debug("peer connection ended")
			} else {
				s.logger.Warn("dropping faulted peer", logger.Field{Key: "error", Value: err})
			}
			return
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		resp := s.server.dispatcher.Dispatch(ctx, msg)
		if resp.Close {
			s.logger.Debug("peer requested disconnect")
			return
		}

		if err := s.conn.Send(resp.Reply); err != nil {
			if !errors.Is(err, connection.ErrConnectionClosed) {
				s.logger.Warn("reply failed", logger.Field{Key: "request", Value: msg}, logger.Field{Key: "error", Value: err})
			}
			return
		}
	}

	s.logger.Debug("server stopped, closing connection")
}

func (s *session) finish() {
	if err := s.close(); err != nil {
		s.logger.Debug("close failed", logger.Field{Key: "error", Value: err})
	}

	s.server.sessions.remove(s.id)
}

func (s *session) close() error {
	return s.conn.Close()
}
