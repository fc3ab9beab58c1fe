package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/transport"
	"github.com/g960059/infersession/internal/wire"
)

// connHandler forwards one connection's traffic to the event loop, tagged
// with the generation of the dial that produced it. It holds no state the
// loop depends on, so dropping a connection leaves nothing behind.
type connHandler struct {
	m   *Manager
	gen uint64
}

func (h *connHandler) HandleFrame(env wire.Envelope) {
	h.m.postEvent(frameEvent{gen: h.gen, env: env})
}

func (h *connHandler) HandleClosed(err error) {
	defer h.m.workers.Done()
	h.m.postEvent(closedEvent{gen: h.gen, err: err})
}

var errHandshake = errors.New("handshake failed")

// dialAndHandshake opens a connection and exchanges hello/hello_ack within
// ctx. The returned conn is owned by the caller.
func (m *Manager) dialAndHandshake(ctx context.Context) (transport.Conn, wire.HelloAck, error) {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, wire.HelloAck{}, fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	ack, err := m.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, wire.HelloAck{}, fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	return conn, ack, nil
}

func (m *Manager) handshake(ctx context.Context, conn transport.Conn) (wire.HelloAck, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	ack, err := m.exchangeHello(conn)
	if !stop() {
		// ctx fired and closed conn; whatever exchangeHello saw is moot.
		return wire.HelloAck{}, fmt.Errorf("%w: %w", errHandshake, context.Cause(ctx))
	}
	if err != nil {
		return wire.HelloAck{}, fmt.Errorf("%w: %w", errHandshake, err)
	}
	return ack, nil
}

func (m *Manager) exchangeHello(conn transport.Conn) (wire.HelloAck, error) {
	hello, err := wire.Encode(wire.Frame{Body: wire.Hello{
		ClientID:         m.clientID,
		SessionID:        m.sessionID,
		ProtocolVersions: []string{wire.SchemaVersion},
	}})
	if err != nil {
		return wire.HelloAck{}, err
	}
	if err := conn.WriteEnvelope(hello); err != nil {
		return wire.HelloAck{}, err
	}
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return wire.HelloAck{}, err
		}
		frame, err := wire.Decode(env)
		if err != nil {
			return wire.HelloAck{}, err
		}
		switch body := frame.Body.(type) {
		case wire.HelloAck:
			if body.ProtocolVersion != wire.SchemaVersion {
				return wire.HelloAck{}, fmt.Errorf("%w: peer chose %q", wire.ErrUnsupportedVers, body.ProtocolVersion)
			}
			return body, nil
		case wire.Error:
			return wire.HelloAck{}, &model.PeerError{Kind: body.Kind, Message: body.Message}
		case wire.Ping:
			// Peers may ping before acknowledging; answered once connected.
		default:
			return wire.HelloAck{}, fmt.Errorf("unexpected %s frame before hello_ack", frame.Type())
		}
	}
}
