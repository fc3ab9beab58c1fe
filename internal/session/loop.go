package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/confidence"
	"github.com/g960059/infersession/internal/correlation"
	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/security"
	"github.com/g960059/infersession/internal/transport"
	"github.com/g960059/infersession/internal/wire"
)

type command interface{ isCommand() }

type sendCmd struct {
	id      uint64
	req     Request
	timeout time.Duration
	future  *correlation.Future[confidence.ScoredResponse]
}

type cancelCmd struct {
	id    uint64
	cause error
}

func (sendCmd) isCommand()   {}
func (cancelCmd) isCommand() {}

type controlOp int

const (
	opConnect controlOp = iota
	opDisconnect
	opClose
)

type controlCmd struct {
	op    controlOp
	reply chan error
}

type event interface{ isEvent() }

type dialResult struct {
	gen  uint64
	conn transport.Conn
	ack  wire.HelloAck
	err  error
}

type frameEvent struct {
	gen uint64
	env wire.Envelope
}

type closedEvent struct {
	gen uint64
	err error
}

func (dialResult) isEvent()  {}
func (frameEvent) isEvent()  {}
func (closedEvent) isEvent() {}

// loopState is owned by the event loop goroutine.
type loopState struct {
	state   model.ConnectionState
	attempt int
	// flaps counts connections that dropped before staying up for
	// BackoffMax. It survives Connected so a flapping peer backs off.
	flaps       int
	connectedAt time.Time
	initial     bool
	gen         uint64
	seq         uint64
	dialCancel  context.CancelFunc
	conn        *transport.Adapter
	connGen     uint64
	serverID    string
	lastErr     error
	lastRx      time.Time
	lastPing    time.Time
	retry       *time.Timer
	waiters     []chan error
	table       *correlation.Table[confidence.ScoredResponse]
	// sent holds ids whose request frame went out on the current
	// connection.
	sent map[uint64]struct{}
}

func (m *Manager) run() {
	defer close(m.stopped)

	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	healthTick := time.NewTicker(m.cfg.HealthCheckInterval)
	defer healthTick.Stop()

	for {
		// Control commands take priority over queued requests and events.
		select {
		case cmd := <-m.control:
			if m.handleControl(cmd) {
				return
			}
			continue
		default:
		}

		var retryC <-chan time.Time
		if m.loop.retry != nil {
			retryC = m.loop.retry.C
		}
		select {
		case cmd := <-m.control:
			if m.handleControl(cmd) {
				return
			}
		case cmd := <-m.mailbox:
			m.handleCommand(cmd)
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-retryC:
			m.loop.retry = nil
			m.startDial("backoff elapsed")
		case now := <-sweep.C:
			m.loop.table.ExpireOverdue(now)
		case now := <-healthTick.C:
			m.healthTick(now)
		}
		m.publishInFlight()
	}
}

func (m *Manager) publishInFlight() {
	m.inflight.Store(int64(m.loop.table.Len()))
}

func (m *Manager) handleControl(cmd controlCmd) (stop bool) {
	defer m.publishInFlight()
	switch cmd.op {
	case opConnect:
		switch m.loop.state {
		case model.StateConnected:
			cmd.reply <- nil
		case model.StateConnecting, model.StateReconnecting:
			m.loop.waiters = append(m.loop.waiters, cmd.reply)
		default:
			m.loop.waiters = append(m.loop.waiters, cmd.reply)
			m.loop.attempt = 0
			m.loop.flaps = 0
			m.loop.initial = true
			m.startDial("connect requested")
		}
	case opDisconnect:
		m.shutdown(errDisconnected)
		cmd.reply <- nil
	case opClose:
		m.shutdown(model.ErrClosed)
		m.loop.table.Close(model.ErrClosed)
		m.drainMailbox()
		m.monitor.Close()
		cmd.reply <- nil
		return true
	}
	return false
}

// shutdown is the single teardown path for Disconnect and Close.
func (m *Manager) shutdown(reason error) {
	m.stopRetry()
	m.abandonDial()
	m.dropConn()
	m.loop.table.CancelAll(reason)
	m.failWaiters(fmt.Errorf("%w: %w", model.ErrConnection, reason))
	m.loop.lastErr = nil
	if m.loop.state == model.StateDisconnected {
		return
	}
	m.monitor.Invalidate(time.Now())
	m.observer.HealthChanged(m.sessionID, m.monitor.Current())
	m.transition(model.StateDisconnected, reason.Error(), 0)
}

// drainMailbox fails requests that were queued but never processed.
func (m *Manager) drainMailbox() {
	for {
		select {
		case cmd := <-m.mailbox:
			if send, ok := cmd.(sendCmd); ok {
				send.future.Cancel(fmt.Errorf("%w: session closed", model.ErrConnectionLost))
			}
		default:
			return
		}
	}
}

func (m *Manager) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case sendCmd:
		m.handleSend(c)
	case cancelCmd:
		// The sweep may already have reaped the entry. Only ids that went
		// out on the current connection get a cancel frame.
		if _, pending := m.loop.table.Kind(c.id); pending {
			m.loop.table.Cancel(c.id, c.cause)
		}
		if _, sent := m.loop.sent[c.id]; !sent {
			return
		}
		delete(m.loop.sent, c.id)
		m.sendFrame(wire.Frame{ID: c.id, Body: wire.Cancel{Reason: "caller cancelled"}})
	}
}

func (m *Manager) handleSend(c sendCmd) {
	table := m.loop.table
	if c.future.Settled() {
		_ = table.Adopt(c.id, c.req.Kind, c.timeout, c.future)
		return
	}
	if err := table.Adopt(c.id, c.req.Kind, c.timeout, c.future); err != nil {
		c.future.Cancel(fmt.Errorf("register request: %w", err))
		return
	}
	if m.loop.state != model.StateConnected || m.loop.conn == nil {
		table.Fail(c.id, model.ErrNotConnected)
		return
	}
	env, err := wire.Encode(wire.Frame{
		ID:   c.id,
		Body: wire.Request{Kind: c.req.Kind, Prompt: c.req.Prompt, Params: c.req.Params},
	})
	if err != nil {
		table.Fail(c.id, err)
		return
	}
	// The writer would drop an oversized frame and leave the request to
	// time out.
	if _, err := env.MarshalFrame(m.cfg.MaxFrameBytes); err != nil {
		table.Fail(c.id, fmt.Errorf("encode request: %w", err))
		return
	}
	if err := m.loop.conn.Send(env); err != nil {
		if errors.Is(err, model.ErrClosed) {
			err = fmt.Errorf("%w: %w", model.ErrConnectionLost, err)
		}
		table.Fail(c.id, err)
		return
	}
	m.loop.sent[c.id] = struct{}{}
	m.logger.Debug("request sent",
		zap.Uint64("request_id", c.id),
		zap.String("kind", string(c.req.Kind)),
		zap.Duration("timeout", c.timeout),
		zap.String("prompt", security.Preview(c.req.Prompt, 60)),
	)
}

func (m *Manager) handleEvent(ev event) {
	switch e := ev.(type) {
	case dialResult:
		m.handleDialResult(e)
	case frameEvent:
		if m.loop.conn == nil || e.gen != m.loop.connGen {
			return
		}
		m.loop.lastRx = time.Now()
		m.handleFrame(e.env)
	case closedEvent:
		if m.loop.conn == nil || e.gen != m.loop.connGen {
			return
		}
		m.loop.conn = nil
		m.loop.serverID = ""
		clear(m.loop.sent)
		m.connectionLost(e.err)
	}
}

func (m *Manager) handleDialResult(res dialResult) {
	if res.gen != m.loop.gen || m.loop.state != model.StateConnecting {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	if m.loop.dialCancel != nil {
		m.loop.dialCancel()
		m.loop.dialCancel = nil
	}
	if res.err != nil {
		m.dialFailed(res.err)
		return
	}

	adapter := transport.NewAdapter(res.conn, &connHandler{m: m, gen: res.gen},
		transport.WithQueueSize(m.cfg.OutboundQueue),
		transport.WithLogger(m.logger),
	)
	m.workers.Add(1)
	adapter.Start()

	now := time.Now()
	m.loop.conn = adapter
	m.loop.connGen = res.gen
	m.loop.serverID = res.ack.ServerID
	m.loop.connectedAt = now
	m.loop.attempt = 0
	m.loop.initial = false
	m.loop.lastErr = nil
	m.loop.lastRx = now
	m.loop.lastPing = now
	m.monitor.Reset(now)
	if res.ack.Health != nil {
		m.monitor.Apply(*res.ack.Health)
		m.observer.HealthChanged(m.sessionID, m.monitor.Current())
	}
	m.transition(model.StateConnected, "handshake complete", 0)
	m.failWaiters(nil)
}

func (m *Manager) dialFailed(err error) {
	m.loop.attempt++
	m.loop.lastErr = err
	budget := m.cfg.MaxReconnectAttempts
	if m.loop.initial {
		budget = m.cfg.MaxConnectAttempts
	}
	m.logger.Warn("connect attempt failed",
		zap.Int("attempt", m.loop.attempt),
		zap.Int("budget", budget),
		zap.String("error", errString(err)),
	)
	if budget > 0 && m.loop.attempt >= budget {
		m.transition(model.StateFailed, "retry budget exhausted", 0)
		m.failWaiters(fmt.Errorf("%w: gave up after %d attempts: %w", model.ErrConnection, m.loop.attempt, err))
		return
	}
	delay := m.backoff.Delay(m.loop.flaps + m.loop.attempt)
	m.transition(model.StateReconnecting, errString(err), delay)
	m.armRetry(delay)
}

// connectionLost handles an unexpected closure or a forced reconnect of the
// current connection. In-flight requests are discarded, never resent.
func (m *Manager) connectionLost(cause error) {
	if cause == nil {
		cause = model.ErrConnectionLost
	}
	m.loop.lastErr = cause
	lost := m.loop.table.CancelAll(cause)
	m.monitor.Invalidate(time.Now())
	m.observer.HealthChanged(m.sessionID, m.monitor.Current())
	m.logger.Warn("connection lost", zap.String("error", errString(cause)), zap.Int("pending_failed", lost))

	if time.Since(m.loop.connectedAt) >= m.cfg.BackoffMax {
		m.loop.flaps = 0
	}
	m.loop.flaps++
	m.loop.attempt = 0
	m.loop.initial = false
	delay := m.backoff.Delay(m.loop.flaps)
	m.transition(model.StateReconnecting, errString(cause), delay)
	m.armRetry(delay)
}

func (m *Manager) healthTick(now time.Time) {
	connected := m.loop.state == model.StateConnected && m.loop.conn != nil
	if m.monitor.Check(now, connected) {
		m.observer.HealthChanged(m.sessionID, m.monitor.Current())
		m.dropConn()
		m.connectionLost(fmt.Errorf("%w: no health event for %s", model.ErrConnectionLost, m.cfg.HealthStaleAfter))
		return
	}
	if !connected {
		return
	}
	if now.Sub(m.loop.lastRx) >= m.cfg.PingInterval && now.Sub(m.loop.lastPing) >= m.cfg.PingInterval {
		m.loop.lastPing = now
		m.sendFrame(wire.Frame{Body: wire.Ping{TS: now.UTC()}})
	}
}

func (m *Manager) handleFrame(env wire.Envelope) {
	frame, err := wire.Decode(env)
	if err != nil {
		m.logger.Warn("dropping undecodable frame", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	table := m.loop.table
	switch body := frame.Body.(type) {
	case wire.Response:
		kind, pending := table.Kind(frame.ID)
		if !pending {
			table.Resolve(frame.ID, confidence.ScoredResponse{})
			return
		}
		scored := m.gate.Score(confidence.Response{
			Payload:         body.Text,
			RawQuality:      body.RawQuality,
			ModelIdentifier: body.Model,
		}, kind, m.monitor.Current())
		if table.Resolve(frame.ID, scored) {
			m.observer.ResponseScored(m.sessionID, scored)
		}
	case wire.Error:
		peerErr := &model.PeerError{Kind: body.Kind, Message: security.Redact(body.Message)}
		if frame.ID == 0 {
			m.logger.Warn("peer reported error", zap.Error(peerErr))
			return
		}
		table.Fail(frame.ID, peerErr)
	case wire.Health:
		m.monitor.Apply(body)
		m.observer.HealthChanged(m.sessionID, m.monitor.Current())
	case wire.Ping:
		m.sendFrame(wire.Frame{Body: wire.Pong{TS: body.TS}})
	case wire.Pong:
	default:
		m.logger.Debug("ignoring unexpected frame", zap.String("type", string(frame.Type())))
	}
}

func (m *Manager) sendFrame(f wire.Frame) {
	if m.loop.conn == nil {
		return
	}
	env, err := wire.Encode(f)
	if err != nil {
		m.logger.Warn("encode frame", zap.String("type", string(f.Type())), zap.Error(err))
		return
	}
	if err := m.loop.conn.Send(env); err != nil {
		m.logger.Debug("control frame not sent", zap.String("type", string(f.Type())), zap.Error(err))
	}
}

func (m *Manager) startDial(reason string) {
	m.loop.gen++
	gen := m.loop.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.loop.dialCancel = cancel
	m.transition(model.StateConnecting, reason, 0)

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		conn, ack, err := m.dialAndHandshake(ctx)
		if !m.postEvent(dialResult{gen: gen, conn: conn, ack: ack, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

// abandonDial cancels an in-flight dial; its result will carry a stale
// generation and be discarded.
func (m *Manager) abandonDial() {
	if m.loop.dialCancel != nil {
		m.loop.dialCancel()
		m.loop.dialCancel = nil
	}
	m.loop.gen++
}

func (m *Manager) dropConn() {
	if m.loop.conn == nil {
		return
	}
	_ = m.loop.conn.Close()
	m.loop.conn = nil
	m.loop.serverID = ""
	clear(m.loop.sent)
}

func (m *Manager) armRetry(delay time.Duration) {
	m.stopRetry()
	m.loop.retry = time.NewTimer(delay)
}

func (m *Manager) stopRetry() {
	if m.loop.retry != nil {
		m.loop.retry.Stop()
		m.loop.retry = nil
	}
}

func (m *Manager) failWaiters(err error) {
	for _, w := range m.loop.waiters {
		w <- err
	}
	m.loop.waiters = nil
}

// transition is the only place the connection state changes.
func (m *Manager) transition(to model.ConnectionState, reason string, delay time.Duration) {
	from := m.loop.state
	m.loop.state = to
	m.loop.seq++
	now := time.Now().UTC()

	serverID := ""
	if to == model.StateConnected {
		serverID = m.loop.serverID
	}
	m.state.Store(&StateSnapshot{
		State:     to,
		Attempt:   m.loop.attempt,
		Since:     now,
		SessionID: m.sessionID,
		Endpoint:  m.endpoint,
		ServerID:  serverID,
		LastError: errString(m.loop.lastErr),
	})

	fields := []zap.Field{
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.Int("attempt", m.loop.attempt),
	}
	if delay > 0 {
		fields = append(fields, zap.Duration("retry_in", delay))
	}
	m.logger.Info("session state changed", fields...)

	m.observer.StateChanged(Transition{
		SessionID: m.sessionID,
		Seq:       m.loop.seq,
		From:      from,
		To:        to,
		Reason:    reason,
		Attempt:   m.loop.attempt,
		At:        now,
		Delay:     delay,
	})
}
