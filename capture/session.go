package capture

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/chunkreader/v2"
	"github.com/jackc/pgproto3/v2"
	"golang.org/x/sync/errgroup"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/pkg/retry"
)

// errHandshakeRejected is returned when the server refuses the startup.
var errHandshakeRejected = stderrors.New("server rejected startup")

// session proxies one client connection.
type session struct {
	id      string
	config  Config
	client  net.Conn
	server  net.Conn
	watcher *Watcher
	logger  *slog.Logger

	backend  *pgproto3.Backend
	frontend *pgproto3.Frontend
}

func (s *session) run(ctx context.Context) error {
	defer s.client.Close()

	cr, err := s.chunkReader(s.client)
	if err != nil {
		return err
	}
	s.backend = pgproto3.NewBackend(cr, s.client)

	if s.config.HandshakeTimeout > 0 {
		_ = s.client.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}

	startup, err := s.receiveStartup()
	if err != nil {
		return err
	}

	s.server, err = retry.Run(ctx, s.dialPolicy(), func() (net.Conn, error) {
		return Dial(ctx, s.config.Target, s.config.DialTimeout)
	})
	if err != nil {
		return err
	}
	defer s.server.Close()

	scr, err := s.chunkReader(s.server)
	if err != nil {
		return err
	}
	s.frontend = pgproto3.NewFrontend(scr, s.server)

	if cancel, ok := startup.(*pgproto3.CancelRequest); ok {
		s.logger.Debug("forwarding cancel request", "pid", cancel.ProcessID)
		if err := s.frontend.Send(cancel); err != nil {
			return errors.WrapTransient(err, "Session", "run", "forward cancel request")
		}
		return nil
	}

	if s.config.HandshakeTimeout > 0 {
		_ = s.server.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}
	if err := s.frontend.Send(startup); err != nil {
		return errors.WrapTransient(err, "Session", "run", "forward startup")
	}
	if err := s.handshake(); err != nil {
		return err
	}
	_ = s.client.SetDeadline(time.Time{})
	_ = s.server.SetDeadline(time.Time{})

	s.logger.Debug("handshake complete")
	return s.pump(ctx)
}

// dialPolicy is the configured dial retry, logging each failed attempt.
func (s *session) dialPolicy() retry.Policy {
	p := s.config.dialPolicy()
	p.OnRetry = func(err error, wait time.Duration) {
		s.logger.Warn("target dial failed, retrying", "target", s.config.Target, "wait", wait, "error", err)
	}
	return p
}

func (s *session) chunkReader(r io.Reader) (*chunkreader.ChunkReader, error) {
	cr, err := chunkreader.NewConfig(r, chunkreader.Config{MinBufLen: s.config.ReadBufferSize})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Session", "chunkReader", "create chunk reader")
	}
	return cr, nil
}

// receiveStartup reads startup packets until a StartupMessage or
// CancelRequest arrives. SSL requests are declined.
func (s *session) receiveStartup() (pgproto3.FrontendMessage, error) {
	for {
		msg, err := s.backend.ReceiveStartupMessage()
		if err != nil {
			return nil, errors.WrapTransient(err, "Session", "receiveStartup", "read startup message")
		}

		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if _, err := s.client.Write([]byte{'N'}); err != nil {
				return nil, errors.WrapTransient(err, "Session", "receiveStartup", "decline ssl")
			}
		case *pgproto3.StartupMessage:
			s.logger.Debug("startup",
				"user", m.Parameters["user"],
				"database", m.Parameters["database"],
				"application", m.Parameters["application_name"])
			return m, nil
		case *pgproto3.CancelRequest:
			return m, nil
		default:
			return nil, errors.WrapInvalid(
				fmt.Errorf("unexpected startup message %T", msg),
				"Session", "receiveStartup", "read startup message")
		}
	}
}

// handshake relays authentication until the server is ready for queries.
func (s *session) handshake() error {
	for {
		msg, err := s.frontend.Receive()
		if err != nil {
			return errors.WrapTransient(err, "Session", "handshake", "read server message")
		}
		if err := s.backend.Send(msg); err != nil {
			return errors.WrapTransient(err, "Session", "handshake", "forward server message")
		}

		var authType uint32
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			return errors.Wrap(
				fmt.Errorf("%w: %s %s", errHandshakeRejected, m.Code, m.Message),
				"Session", "handshake", "authenticate")
		case *pgproto3.AuthenticationCleartextPassword:
			authType = pgproto3.AuthTypeCleartextPassword
		case *pgproto3.AuthenticationMD5Password:
			authType = pgproto3.AuthTypeMD5Password
		case *pgproto3.AuthenticationSASL:
			authType = pgproto3.AuthTypeSASL
		case *pgproto3.AuthenticationSASLContinue:
			authType = pgproto3.AuthTypeSASLContinue
		default:
			continue
		}

		if err := s.relayAuthResponse(authType); err != nil {
			return err
		}
	}
}

func (s *session) relayAuthResponse(authType uint32) error {
	if err := s.backend.SetAuthType(authType); err != nil {
		return errors.WrapInvalid(err, "Session", "relayAuthResponse", "set auth type")
	}
	msg, err := s.backend.Receive()
	if err != nil {
		return errors.WrapTransient(err, "Session", "relayAuthResponse", "read client response")
	}
	if err := s.frontend.Send(msg); err != nil {
		return errors.WrapTransient(err, "Session", "relayAuthResponse", "forward client response")
	}
	return nil
}

// pump copies messages both ways until either side closes, tapping each
// message into the watcher.
func (s *session) pump(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	pumpCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		for {
			msg, err := s.backend.Receive()
			if err != nil {
				return s.pumpErr(pumpCtx, err, "read client message")
			}
			s.watcher.OnRequest(msg)
			if err := s.frontend.Send(msg); err != nil {
				return s.pumpErr(pumpCtx, err, "forward client message")
			}
			if _, ok := msg.(*pgproto3.Terminate); ok {
				return nil
			}
		}
	})

	g.Go(func() error {
		defer cancel()
		for {
			msg, err := s.frontend.Receive()
			if err != nil {
				return s.pumpErr(pumpCtx, err, "read server message")
			}
			s.watcher.OnResponse(msg)
			if err := s.backend.Send(msg); err != nil {
				return s.pumpErr(pumpCtx, err, "forward server message")
			}
		}
	})

	g.Go(func() error {
		<-pumpCtx.Done()
		_ = s.client.Close()
		_ = s.server.Close()
		return nil
	})

	return g.Wait()
}

// pumpErr treats EOF and errors caused by our own shutdown as a clean close.
func (s *session) pumpErr(ctx context.Context, err error, action string) error {
	if ctx.Err() != nil || stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, net.ErrClosed) {
		return nil
	}
	return errors.WrapTransient(err, "Session", "pump", action)
}
