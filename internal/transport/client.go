package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/zde37/ringpeer/internal/chord"
	"github.com/zde37/ringpeer/internal/wire"
	"github.com/zde37/ringpeer/pkg"
)

// Compile-time check to ensure Client implements chord.RemoteClient
var _ chord.RemoteClient = (*Client)(nil)

// AddressFunc maps a peer id to its host:port.
type AddressFunc func(id uint8) string

// Client reaches other peers. Every call opens its own socket: one UDP socket
// per heartbeat probe and one TCP connection per control message.
type Client struct {
	logger  *pkg.Logger
	address AddressFunc

	// Default bound on control connections when ctx carries no deadline
	timeout time.Duration
}

// NewClient creates a client that resolves peers through address.
func NewClient(address AddressFunc, timeout time.Duration, logger *pkg.Logger) *Client {
	if logger == nil {
		logger = pkg.Nop()
	}

	return &Client{
		logger:  logger.WithFields(pkg.Fields{"component": "client"}),
		address: address,
		timeout: timeout,
	}
}

// Ping sends req to target's heartbeat socket and waits until a ping response
// echoing req's sequence number arrives or ctx expires. Stray datagrams are
// skipped.
func (c *Client) Ping(ctx context.Context, target uint8, req wire.Message) (wire.Message, error) {
	data, err := wire.Encode(req)
	if err != nil {
		return wire.Message{}, err
	}

	raddr, err := net.ResolveUDPAddr("udp", c.address(target))
	if err != nil {
		return wire.Message{}, fmt.Errorf("resolve peer %d: %w", target, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return wire.Message{}, fmt.Errorf("dial peer %d: %w", target, err)
	}
	defer conn.Close()

	stop := bindDeadline(ctx, conn)
	defer stop()

	if _, err := conn.Write(data); err != nil {
		return wire.Message{}, c.contextErr(ctx, fmt.Errorf("send ping to peer %d: %w", target, err))
	}

	buf := make([]byte, wire.MaxSize+1)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return wire.Message{}, c.contextErr(ctx, fmt.Errorf("read ping response from peer %d: %w", target, err))
		}

		resp, err := wire.Decode(buf[:n])
		if err != nil {
			c.logger.Debug().Err(err).Uint8("target", target).Msg("Dropping malformed ping response")
			continue
		}
		if resp.Type != wire.TypePingResponse || resp.Sender != target || resp.Seq() != req.Seq() {
			c.logger.Debug().Stringer("message", resp).Uint8("target", target).Msg("Dropping unexpected datagram")
			continue
		}
		return resp, nil
	}
}

// Send delivers a one-way control message to target.
func (c *Client) Send(ctx context.Context, target uint8, msg wire.Message) error {
	conn, err := c.dial(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, msg); err != nil {
		return fmt.Errorf("%w: write %s to peer %d: %v", pkg.ErrPeerUnreachable, msg.Type, target, err)
	}

	c.logger.Debug().Uint8("target", target).Stringer("message", msg).Msg("Control message sent")
	return nil
}

// QuerySuccessor sends a failure query to target and returns the single id
// byte it answers with.
func (c *Client) QuerySuccessor(ctx context.Context, target uint8, req wire.Message) (uint8, error) {
	conn, err := c.dial(ctx, target)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, req); err != nil {
		return 0, fmt.Errorf("%w: write failure query to peer %d: %v", pkg.ErrPeerUnreachable, target, err)
	}

	var answer [1]byte
	if _, err := io.ReadFull(conn, answer[:]); err != nil {
		return 0, fmt.Errorf("%w: read failure query answer from peer %d: %v", pkg.ErrPeerUnreachable, target, err)
	}
	return answer[0], nil
}

// dial opens a control connection to target, bounded by ctx and the client
// timeout.
func (c *Client) dial(ctx context.Context, target uint8) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	addr := c.address(target)
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial peer %d at %s: %v", pkg.ErrPeerUnreachable, target, addr, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return conn, nil
}

// contextErr prefers the context's error when it explains err. A socket
// deadline taken from ctx can fire just before ctx itself reports it.
func (c *Client) contextErr(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil {
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			ctxErr = context.DeadlineExceeded
		}
	}
	if ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

// bindDeadline applies ctx's deadline to conn and unblocks pending I/O when
// ctx is cancelled early. The returned func releases the binding.
func bindDeadline(ctx context.Context, conn net.Conn) func() bool {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}
