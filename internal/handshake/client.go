package handshake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/networkio"
	"github.com/ooni/toyvpn/internal/packet"
)

// Client runs the client side of the handshake.
type Client struct {
	logger model.Logger
	tracer model.Tracer
}

// NewClient creates a new [Client].
func NewClient(logger model.Logger, tracer model.Tracer) *Client {
	return &Client{
		logger: logger,
		tracer: tracer,
	}
}

// Do sends a single request carrying token and waits for the answer until
// ctx is done. Tunnelled packets received in the meantime are discarded.
//
// Every failure wraps [model.ErrHandshake]; we never retry.
func (c *Client) Do(ctx context.Context, transport networkio.Transport, token string) (*model.NetworkConfig, error) {
	nc, err := c.do(ctx, transport, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrHandshake, err)
	}
	c.tracer.OnHandshakeDone(transport.RemoteAddr().String(), nc)
	return nc, nil
}

func (c *Client) do(ctx context.Context, transport networkio.Transport, token string) (*model.NetworkConfig, error) {
	request, err := EncodeRequest(token)
	if err != nil {
		return nil, err
	}

	// a blocked Receive must return as soon as ctx is done
	if deadline, ok := ctx.Deadline(); ok {
		transport.SetReadDeadline(deadline)
	}
	stop := make(chan any)
	exited := make(chan any)
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			transport.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-exited
		transport.SetReadDeadline(time.Time{})
	}()

	c.logger.Debugf("handshake: sending request to %s", transport.RemoteAddr())
	c.tracer.OnHandshakePacket(model.DirectionOutgoing, OpcodeRequest, len(request))
	if err := transport.Send(request); err != nil {
		return nil, err
	}

	for {
		// POSSIBLY BLOCK waiting for the server
		pkt, err := transport.Receive()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// the read deadline only ever comes from ctx
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}
		if !packet.IsControl(pkt) {
			c.logger.Debugf("handshake: ignoring %d bytes of data", len(pkt))
			continue
		}
		opcode, err := Opcode(pkt)
		if err != nil {
			return nil, err
		}
		c.tracer.OnHandshakePacket(model.DirectionIncoming, opcode, len(pkt))

		switch opcode {
		case OpcodeAccept:
			nc, err := DecodeAccept(pkt)
			if err != nil {
				return nil, err
			}
			c.logger.Infof("handshake: got %s", nc)
			return nc, nil

		case OpcodeReject:
			reason, err := DecodeReject(pkt)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", ErrRejected, reason)

		default:
			c.logger.Warnf("handshake: ignoring opcode %#x", opcode)
		}
	}
}
