package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/wire"
)

const DefaultQueueSize = 64

// Handler receives inbound envelopes in arrival order. HandleClosed is
// called exactly once after the last HandleFrame.
type Handler interface {
	HandleFrame(wire.Envelope)
	HandleClosed(error)
}

type AdapterOption func(*Adapter)

func WithQueueSize(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

func WithLogger(logger *zap.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Adapter owns one Conn. It runs a reader goroutine that dispatches to the
// handler and a writer goroutine fed by a bounded queue, so Send never
// blocks.
type Adapter struct {
	conn      Conn
	handler   Handler
	logger    *zap.Logger
	queueSize int

	out  chan wire.Envelope
	done chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	cause     error
	wg        sync.WaitGroup
}

func NewAdapter(conn Conn, handler Handler, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		conn:      conn,
		handler:   handler,
		logger:    zap.NewNop(),
		queueSize: DefaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.out = make(chan wire.Envelope, a.queueSize)
	return a
}

func (a *Adapter) Start() {
	a.startOnce.Do(func() {
		var loops sync.WaitGroup
		loops.Add(2)
		a.wg.Add(3)
		go func() {
			defer a.wg.Done()
			defer loops.Done()
			a.readLoop()
		}()
		go func() {
			defer a.wg.Done()
			defer loops.Done()
			a.writeLoop()
		}()
		go func() {
			defer a.wg.Done()
			loops.Wait()
			a.handler.HandleClosed(a.Err())
		}()
	})
}

// Send queues env for writing. It returns model.ErrSaturated when the queue
// is full and model.ErrClosed after the adapter shut down.
func (a *Adapter) Send(env wire.Envelope) error {
	select {
	case <-a.done:
		return model.ErrClosed
	default:
	}
	select {
	case a.out <- env:
		return nil
	default:
		return model.ErrSaturated
	}
}

// Close shuts the connection down without waiting for the goroutines.
func (a *Adapter) Close() error {
	a.shutdown(model.ErrClosed)
	return nil
}

// Done is closed when the adapter starts shutting down.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until every goroutine, including the HandleClosed callback,
// has returned.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

// Err returns the first shutdown cause, or nil while running.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cause
}

func (a *Adapter) RemoteAddr() string {
	return a.conn.RemoteAddr()
}

func (a *Adapter) readLoop() {
	for {
		env, err := a.conn.ReadEnvelope()
		if errors.Is(err, wire.ErrInvalidFrame) || errors.Is(err, wire.ErrUnsupportedVers) {
			// The length prefix was intact, so the stream is still aligned.
			a.logger.Warn("skipping undecodable frame", zap.Error(err))
			continue
		}
		if err != nil {
			a.shutdown(normalizeReadErr(err))
			return
		}
		a.handler.HandleFrame(env)
	}
}

func (a *Adapter) writeLoop() {
	for {
		select {
		case <-a.done:
			return
		case env := <-a.out:
			if err := a.conn.WriteEnvelope(env); err != nil {
				if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrInvalidFrame) {
					a.logger.Warn("dropping unsendable frame", zap.String("type", string(env.Type)), zap.Uint64("id", env.ID), zap.Error(err))
					continue
				}
				a.shutdown(err)
				return
			}
		}
	}
}

func (a *Adapter) shutdown(cause error) {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.cause = cause
		a.mu.Unlock()
		close(a.done)
		if err := a.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			a.logger.Debug("transport close", zap.Error(err))
		}
		a.logger.Debug("transport shut down", zap.String("remote", a.conn.RemoteAddr()), zap.Error(cause))
	})
}

func normalizeReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
