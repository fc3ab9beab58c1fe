package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/transport"
	"github.com/g960059/infersession/internal/wire"
)

var ErrScriptedDial = errors.New("scripted dial failure")

// FakePeer is a scripted in-memory peer usable as a transport.Dialer. Each
// successful dial yields a PeerConn that completes the hello handshake and
// then hands every inbound frame to the test.
type FakePeer struct {
	t testing.TB

	mu        sync.Mutex
	dialErrs  []error
	dials     []time.Time
	ackHealth *wire.Health
	silent    bool
	all       []*PeerConn

	conns chan *PeerConn
}

func NewFakePeer(t testing.TB) *FakePeer {
	p := &FakePeer{
		t:     t,
		conns: make(chan *PeerConn, 16),
		ackHealth: &wire.Health{
			Status:    model.HealthReady,
			ModelName: "fake-model",
			Mode:      model.ModeReal,
		},
	}
	t.Cleanup(p.CloseAll)
	return p
}

// FailNextDials makes the next len(errs) dials fail with errs in order.
func (p *FakePeer) FailNextDials(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialErrs = append(p.dialErrs, errs...)
}

// SetAckHealth sets the health carried by hello_ack; nil sends none.
func (p *FakePeer) SetAckHealth(h *wire.Health) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ackHealth = h
}

// SetSilent makes new connections never answer the hello.
func (p *FakePeer) SetSilent(silent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = silent
}

// DialTimes returns when each dial was attempted.
func (p *FakePeer) DialTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.dials...)
}

func (p *FakePeer) Dial(ctx context.Context) (transport.Conn, error) {
	p.mu.Lock()
	p.dials = append(p.dials, time.Now())
	var err error
	if len(p.dialErrs) > 0 {
		err = p.dialErrs[0]
		p.dialErrs = p.dialErrs[1:]
	}
	ack := p.ackHealth
	silent := p.silent
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := transport.Pipe(wire.DefaultMaxFrame)
	pc := newPeerConn(server, ack, silent)
	p.mu.Lock()
	p.all = append(p.all, pc)
	p.mu.Unlock()
	select {
	case p.conns <- pc:
	default:
	}
	return client, nil
}

// NextConn waits for the next accepted connection.
func (p *FakePeer) NextConn(timeout time.Duration) *PeerConn {
	p.t.Helper()
	select {
	case pc := <-p.conns:
		return pc
	case <-time.After(timeout):
		p.t.Fatalf("no connection within %s", timeout)
		return nil
	}
}

// CloseAll closes every connection and waits for their readers.
func (p *FakePeer) CloseAll() {
	p.mu.Lock()
	all := append([]*PeerConn(nil), p.all...)
	p.mu.Unlock()
	for _, pc := range all {
		pc.Close()
	}
}

// PeerConn is the peer side of one connection.
type PeerConn struct {
	conn      transport.Conn
	ackHealth *wire.Health
	silent    bool

	wmu    sync.Mutex
	frames chan wire.Frame
	hello  chan wire.Hello
	done   chan struct{}
	once   sync.Once
}

func newPeerConn(conn transport.Conn, ack *wire.Health, silent bool) *PeerConn {
	pc := &PeerConn{
		conn:      conn,
		ackHealth: ack,
		silent:    silent,
		frames:    make(chan wire.Frame, 128),
		hello:     make(chan wire.Hello, 1),
		done:      make(chan struct{}),
	}
	go pc.readLoop()
	return pc
}

func (c *PeerConn) readLoop() {
	defer c.once.Do(func() { close(c.done) })
	for {
		env, err := c.conn.ReadEnvelope()
		if err != nil {
			return
		}
		frame, err := wire.Decode(env)
		if err != nil {
			continue
		}
		switch body := frame.Body.(type) {
		case wire.Hello:
			select {
			case c.hello <- body:
			default:
			}
			if c.silent {
				continue
			}
			ack := wire.HelloAck{ServerID: "fake-peer", ProtocolVersion: wire.SchemaVersion}
			if c.ackHealth != nil {
				h := *c.ackHealth
				h.Timestamp = time.Now().UTC()
				ack.Health = &h
			}
			_ = c.SendFrame(wire.Frame{Body: ack})
			continue
		case wire.Ping:
			_ = c.SendFrame(wire.Frame{Body: wire.Pong{TS: body.TS}})
		}
		select {
		case c.frames <- frame:
		default:
		}
	}
}

func (c *PeerConn) SendFrame(f wire.Frame) error {
	env, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteEnvelope(env)
}

// NextRequest waits for the next request frame, skipping other frames.
func (c *PeerConn) NextRequest(t testing.TB, timeout time.Duration) (uint64, wire.Request) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-c.frames:
			if req, ok := f.Body.(wire.Request); ok {
				return f.ID, req
			}
		case <-deadline:
			t.Fatalf("no request within %s", timeout)
			return 0, wire.Request{}
		}
	}
}

// NextFrame waits for the next frame of any type other than hello.
func (c *PeerConn) NextFrame(t testing.TB, timeout time.Duration) wire.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(timeout):
		t.Fatalf("no frame within %s", timeout)
		return wire.Frame{}
	}
}

// NextFrameOf waits for the next frame of the given type.
func (c *PeerConn) NextFrameOf(t testing.TB, typ wire.FrameType, timeout time.Duration) wire.Frame {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-c.frames:
			if f.Type() == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame within %s", typ, timeout)
			return wire.Frame{}
		}
	}
}

func (c *PeerConn) Respond(id uint64, text string, quality *float64) error {
	return c.SendFrame(wire.Frame{ID: id, Body: wire.Response{Text: text, RawQuality: quality, Model: "fake-model"}})
}

func (c *PeerConn) SendHealth(h wire.Health) error {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	return c.SendFrame(wire.Frame{Body: h})
}

func (c *PeerConn) SendError(id uint64, kind, message string) error {
	return c.SendFrame(wire.Frame{ID: id, Body: wire.Error{Kind: kind, Message: message}})
}

// Hello returns the hello received on this connection.
func (c *PeerConn) Hello(t testing.TB, timeout time.Duration) wire.Hello {
	t.Helper()
	select {
	case h := <-c.hello:
		return h
	case <-time.After(timeout):
		t.Fatalf("no hello within %s", timeout)
		return wire.Hello{}
	}
}

// Close drops the connection abruptly and waits for the reader to exit.
func (c *PeerConn) Close() {
	_ = c.conn.Close()
	<-c.done
}

// Done is closed once the connection is gone.
func (c *PeerConn) Done() <-chan struct{} {
	return c.done
}
