package peer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/engine"
	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/security"
	"github.com/g960059/infersession/internal/transport"
	"github.com/g960059/infersession/internal/wire"
)

var errHandshake = errors.New("handshake failed")

// Request results recorded in metrics.
const (
	resultOK        = "ok"
	resultError     = "error"
	resultCancelled = "cancelled"
)

type peerConn struct {
	s         *Server
	adapter   *transport.Adapter
	transport string
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[uint64]*activeRequest
	reqs     sync.WaitGroup
}

type activeRequest struct {
	cancel   context.CancelFunc
	byClient bool
}

// serve runs one client connection to completion. ctx cancellation closes it.
func (s *Server) serve(ctx context.Context, conn transport.Conn, transportName string) {
	release := s.metrics.ConnOpened(transportName)
	defer release()

	hello, err := s.handshake(ctx, conn)
	if err != nil {
		s.logger.Info("client handshake failed",
			zap.String("transport", transportName),
			zap.String("remote", conn.RemoteAddr()),
			zap.Error(err),
		)
		conn.Close() //nolint:errcheck
		return
	}

	pc := &peerConn{
		s:         s,
		transport: transportName,
		logger: s.logger.With(
			zap.String("transport", transportName),
			zap.String("client_id", hello.ClientID),
			zap.String("session_id", hello.SessionID),
		),
		inflight: map[uint64]*activeRequest{},
	}
	pc.ctx, pc.cancel = context.WithCancel(ctx)
	pc.adapter = transport.NewAdapter(conn, pc,
		transport.WithLogger(pc.logger),
		transport.WithQueueSize(s.cfg.OutboundQueue),
	)
	s.addConn(pc)
	stop := context.AfterFunc(ctx, pc.close)
	pc.logger.Info("client connected")

	pc.adapter.Start()
	pc.adapter.Wait()
	stop()
	pc.cancel()
	pc.reqs.Wait()
	s.removeConn(pc)
	pc.logger.Info("client disconnected", zap.Error(pc.adapter.Err()))
}

// handshake reads the client hello and answers it before the adapter takes
// over the connection.
func (s *Server) handshake(ctx context.Context, conn transport.Conn) (wire.Hello, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() { conn.Close() }) //nolint:errcheck
	defer stop()

	env, err := conn.ReadEnvelope()
	if err != nil {
		if hctx.Err() != nil {
			return wire.Hello{}, fmt.Errorf("%w: no hello within %s", errHandshake, handshakeTimeout)
		}
		return wire.Hello{}, fmt.Errorf("%w: %v", errHandshake, err)
	}
	frame, err := wire.Decode(env)
	if err != nil {
		return wire.Hello{}, fmt.Errorf("%w: %v", errHandshake, err)
	}
	hello, ok := frame.Body.(wire.Hello)
	if !ok {
		s.writeDirect(conn, wire.Frame{Body: wire.Error{Kind: model.ErrKindProtocol, Message: "expected hello"}})
		return wire.Hello{}, fmt.Errorf("%w: first frame was %s", errHandshake, frame.Type())
	}
	if !slices.Contains(hello.ProtocolVersions, wire.SchemaVersion) {
		s.writeDirect(conn, wire.Frame{Body: wire.Error{
			Kind:    model.ErrKindProtocol,
			Message: "unsupported protocol versions " + strings.Join(hello.ProtocolVersions, ","),
		}})
		return wire.Hello{}, fmt.Errorf("%w: %w", errHandshake, wire.ErrUnsupportedVers)
	}

	h := s.currentHealth()
	ack := wire.Frame{Body: wire.HelloAck{
		ServerID:        s.serverID,
		ProtocolVersion: wire.SchemaVersion,
		Health:          &h,
	}}
	env, err = wire.Encode(ack)
	if err != nil {
		return wire.Hello{}, err
	}
	if err := conn.WriteEnvelope(env); err != nil {
		return wire.Hello{}, fmt.Errorf("%w: write ack: %v", errHandshake, err)
	}
	if !stop() {
		return wire.Hello{}, fmt.Errorf("%w: closed during handshake", errHandshake)
	}
	return hello, nil
}

func (s *Server) writeDirect(conn transport.Conn, f wire.Frame) {
	env, err := wire.Encode(f)
	if err != nil {
		return
	}
	_ = conn.WriteEnvelope(env)
}

func (pc *peerConn) HandleFrame(env wire.Envelope) {
	frame, err := wire.Decode(env)
	if err != nil {
		pc.logger.Warn("dropping undecodable frame", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	switch body := frame.Body.(type) {
	case wire.Request:
		pc.startRequest(frame.ID, body)
	case wire.Cancel:
		pc.cancelRequest(frame.ID, body.Reason)
	case wire.Ping:
		pc.send(wire.Frame{Body: wire.Pong{TS: body.TS}})
	default:
		pc.logger.Debug("ignoring frame", zap.String("type", string(frame.Type())), zap.Uint64("id", frame.ID))
	}
}

func (pc *peerConn) HandleClosed(error) {
	pc.cancel()
}

func (pc *peerConn) close() {
	pc.adapter.Close() //nolint:errcheck
}

func (pc *peerConn) send(f wire.Frame) {
	env, err := wire.Encode(f)
	if err != nil {
		pc.logger.Warn("encode frame", zap.String("type", string(f.Type())), zap.Error(err))
		return
	}
	if err := pc.adapter.Send(env); err != nil && !errors.Is(err, model.ErrClosed) {
		pc.logger.Warn("send frame", zap.String("type", string(f.Type())), zap.Uint64("id", f.ID), zap.Error(err))
	}
}

func (pc *peerConn) sendError(id uint64, kind, message string, recoverable bool) {
	pc.send(wire.Frame{ID: id, Body: wire.Error{Kind: kind, Message: message, Recoverable: recoverable}})
}

func (pc *peerConn) startRequest(id uint64, req wire.Request) {
	kind := model.CanonicalOperationKind(string(req.Kind))
	if strings.TrimSpace(req.Prompt) == "" {
		pc.s.metrics.RequestDone(kind, resultError, 0)
		pc.sendError(id, model.ErrKindInvalidRequest, "prompt is required", false)
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if pc.s.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(pc.ctx, pc.s.cfg.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(pc.ctx)
	}

	pc.mu.Lock()
	if _, dup := pc.inflight[id]; dup {
		pc.mu.Unlock()
		cancel()
		pc.sendError(id, model.ErrKindInvalidRequest, "request id already in progress", false)
		return
	}
	active := &activeRequest{cancel: cancel}
	pc.inflight[id] = active
	pc.mu.Unlock()

	pc.logger.Debug("request started",
		zap.Uint64("id", id),
		zap.String("kind", string(kind)),
		zap.String("prompt", security.Preview(req.Prompt, 64)),
	)
	pc.reqs.Add(1)
	go func() {
		defer pc.reqs.Done()
		defer pc.finishRequest(id)
		pc.runRequest(ctx, id, kind, req, active)
	}()
}

func (pc *peerConn) runRequest(ctx context.Context, id uint64, kind model.OperationKind, req wire.Request, active *activeRequest) {
	started := time.Now()
	res, err := pc.s.engine.Generate(ctx, req.Prompt, req.Params)
	took := time.Since(started)
	if err == nil {
		pc.s.observe(health.ObserveSuccess)
		pc.s.metrics.RequestDone(kind, resultOK, took)
		pc.send(wire.Frame{ID: id, Body: wire.Response{
			Text:       res.Text,
			RawQuality: res.RawQuality,
			Model:      res.Model,
		}})
		return
	}

	pc.mu.Lock()
	byClient := active.byClient
	pc.mu.Unlock()
	if byClient || pc.ctx.Err() != nil {
		pc.s.metrics.RequestDone(kind, resultCancelled, took)
		return
	}

	failure := engine.Classify(err)
	pc.s.metrics.RequestDone(kind, resultError, took)
	pc.logger.Warn("request failed",
		zap.Uint64("id", id),
		zap.String("kind", string(kind)),
		zap.String("error_kind", failure.Kind),
		zap.Duration("took", took),
		zap.Error(err),
	)
	// The client learns about a health change before the failure it caused.
	switch failure.Health {
	case model.HealthUnavailable:
		pc.reportHealth(pc.s.observe(health.ObserveUnavailable))
	case model.HealthDegraded:
		pc.reportHealth(pc.s.observe(health.ObserveFailure))
	}
	pc.sendError(id, failure.Kind, security.Redact(err.Error()), failure.Recoverable)
}

// reportHealth makes sure this connection has seen h. A changed status has
// already been broadcast to every connection.
func (pc *peerConn) reportHealth(h wire.Health, changed bool) {
	if !changed {
		pc.send(wire.Frame{Body: h})
	}
}

func (pc *peerConn) cancelRequest(id uint64, reason string) {
	pc.mu.Lock()
	active, ok := pc.inflight[id]
	if ok {
		active.byClient = true
	}
	pc.mu.Unlock()
	if !ok {
		pc.logger.Debug("cancel for unknown request", zap.Uint64("id", id))
		return
	}
	active.cancel()
	pc.s.metrics.Cancelled()
	pc.logger.Debug("request cancelled", zap.Uint64("id", id), zap.String("reason", reason))
}

func (pc *peerConn) finishRequest(id uint64) {
	pc.mu.Lock()
	active, ok := pc.inflight[id]
	delete(pc.inflight, id)
	pc.mu.Unlock()
	if ok {
		active.cancel()
	}
}
