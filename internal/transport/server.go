package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/zde37/ringpeer/internal/chord"
	"github.com/zde37/ringpeer/internal/telemetry"
	"github.com/zde37/ringpeer/internal/wire"
	"github.com/zde37/ringpeer/pkg"
)

// Handler is the peer logic behind a Server.
type Handler interface {
	ID() uint8
	HandlePing(req wire.Message) (wire.Message, error)
	HandleLookupRequest(ctx context.Context, msg wire.Message) error
	HandleLookupResponse(msg wire.Message) error
	HandleDeparture(ctx context.Context, msg wire.Message) error
	HandleFailureQuery(msg wire.Message) uint8
}

var _ Handler = (*chord.Peer)(nil)

// Server listens for heartbeats on UDP and control messages on TCP, both on
// the same address, and dispatches them to a Handler.
type Server struct {
	handler     Handler
	logger      *pkg.Logger
	address     string
	readTimeout time.Duration

	udpConn     *net.UDPConn
	tcpListener net.Listener

	// Throttles warnings about malformed input
	warnLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewServer creates a server for handler on address.
func NewServer(handler Handler, address string, readTimeout time.Duration, logger *pkg.Logger) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if readTimeout <= 0 {
		return nil, fmt.Errorf("read timeout must be positive, got %s", readTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:     handler,
		logger:      logger.WithFields(pkg.Fields{"component": "server"}),
		address:     address,
		readTimeout: readTimeout,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start binds both sockets and starts serving.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", s.address, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on udp %s: %w", s.address, err)
	}

	tcpListener, err := net.Listen("tcp", s.address)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to listen on tcp %s: %w", s.address, err)
	}

	s.udpConn = udpConn
	s.tcpListener = tcpListener
	s.started = true

	s.logger.Info().
		Str("udp", udpConn.LocalAddr().String()).
		Str("tcp", tcpListener.Addr().String()).
		Msg("Starting peer server")

	s.wg.Add(2)
	go s.serveUDP()
	go s.serveTCP()

	return nil
}

// Stop closes both sockets and waits for in-flight handlers.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping peer server")

	s.cancel()
	err := multierr.Combine(
		s.udpConn.Close(),
		s.tcpListener.Close(),
	)
	s.wg.Wait()

	return err
}

// UDPAddr returns the bound heartbeat address.
func (s *Server) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound control address.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

func (s *Server) serveUDP() {
	defer s.wg.Done()

	buf := make([]byte, wire.MaxSize+1)
	for {
		n, from, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("UDP read failed")
			continue
		}

		req, err := wire.Decode(buf[:n])
		if err == nil && req.Type != wire.TypePingRequest {
			err = fmt.Errorf("%w: %s on heartbeat channel", wire.ErrMalformed, req.Type)
		}
		if err != nil {
			s.malformed("udp", from.String(), err)
			continue
		}
		telemetry.Messages.WithLabelValues("udp", req.Type.String()).Inc()

		resp, err := s.handler.HandlePing(req)
		if err != nil {
			s.malformed("udp", from.String(), err)
			continue
		}

		data, err := wire.Encode(resp)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode ping response")
			continue
		}
		if _, err := s.udpConn.WriteToUDP(data, from); err != nil {
			s.logger.Debug().Err(err).Str("to", from.String()).Msg("Failed to send ping response")
		}
	}
}

func (s *Server) serveTCP() {
	defer s.wg.Done()

	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn reads exactly one control message and acts on it.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	_ = conn.SetDeadline(time.Now().Add(s.readTimeout))

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		s.malformed("tcp", remote, err)
		return
	}
	telemetry.Messages.WithLabelValues("tcp", msg.Type.String()).Inc()

	switch msg.Type {
	case wire.TypeLookupRequest:
		err = s.handler.HandleLookupRequest(s.ctx, msg)
	case wire.TypeLookupResponse:
		err = s.handler.HandleLookupResponse(msg)
	case wire.TypeDepartureNotice:
		err = s.handler.HandleDeparture(s.ctx, msg)
	case wire.TypeFailureQuery:
		answer := s.handler.HandleFailureQuery(msg)
		_, err = conn.Write([]byte{answer})
	default:
		s.malformed("tcp", remote, fmt.Errorf("%w: %s on control channel", wire.ErrMalformed, msg.Type))
		return
	}

	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("from", remote).
			Stringer("message", msg).
			Msg("Control message handling failed")
	}
}

// malformed counts and, throttled, logs a dropped message.
func (s *Server) malformed(transport, from string, err error) {
	telemetry.MalformedMessages.WithLabelValues(transport).Inc()
	if s.warnLimiter.Allow() {
		s.logger.Warn().
			Err(err).
			Str("transport", transport).
			Str("from", from).
			Msg("Dropping malformed message")
	}
}
