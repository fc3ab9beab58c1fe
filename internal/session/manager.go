package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/config"
	"github.com/g960059/infersession/internal/confidence"
	"github.com/g960059/infersession/internal/correlation"
	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/security"
	"github.com/g960059/infersession/internal/transport"
	"github.com/g960059/infersession/internal/wire"
)

// Request is one caller request. A zero Timeout uses the configured
// request timeout.
type Request struct {
	Kind    model.OperationKind
	Prompt  string
	Params  wire.Params
	Timeout time.Duration
}

// StateSnapshot is an immutable view of the connection state.
type StateSnapshot struct {
	State     model.ConnectionState `json:"state"`
	Attempt   int                   `json:"attempt"`
	Since     time.Time             `json:"since"`
	SessionID string                `json:"session_id"`
	Endpoint  string                `json:"endpoint"`
	ServerID  string                `json:"server_id,omitempty"`
	LastError string                `json:"last_error,omitempty"`
}

type Options struct {
	Config   config.Config
	Dialer   transport.Dialer
	Logger   *zap.Logger
	Observer Observer
	// Rand feeds backoff jitter; nil uses math/rand/v2.
	Rand     func() float64
	ClientID string
}

// Manager owns one logical session with the peer. All connection state, the
// correlation table and health writes are confined to a single event-loop
// goroutine; public methods only post commands to it.
type Manager struct {
	cfg       config.Config
	dialer    transport.Dialer
	logger    *zap.Logger
	observer  Observer
	gate      *confidence.Gate
	backoff   Backoff
	monitor   *health.Monitor
	sessionID string
	clientID  string
	endpoint  string

	nextID   atomic.Uint64
	inflight atomic.Int64
	state    atomic.Pointer[StateSnapshot]

	mailbox chan command
	control chan controlCmd
	events  chan event

	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup

	loop loopState
}

func New(opts Options) (*Manager, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NetDialer{
			Endpoint:         cfg.Endpoint,
			MaxFrame:         cfg.MaxFrameBytes,
			HandshakeTimeout: cfg.ConnectTimeout,
		}
	}
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "infersession-" + uuid.NewString()[:8]
	}
	sessionID := uuid.NewString()
	logger = logger.With(zap.String("session_id", sessionID))

	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		observer: observer,
		gate:     confidence.NewGate(cfg.ReviewThreshold, cfg.MockConfidenceCeiling),
		backoff: Backoff{
			Base:   cfg.BackoffBase,
			Factor: cfg.BackoffFactor,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
			Rand:   opts.Rand,
		},
		monitor:   health.NewMonitor(cfg.HealthStaleAfter, health.WithLogger(logger)),
		sessionID: sessionID,
		clientID:  clientID,
		endpoint:  security.Endpoint(cfg.Endpoint),
		mailbox:   make(chan command, cfg.MailboxSize),
		control:   make(chan controlCmd),
		events:    make(chan event, cfg.OutboundQueue),
		closing:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	m.loop.state = model.StateDisconnected
	m.loop.sent = map[uint64]struct{}{}
	m.loop.table = correlation.New[confidence.ScoredResponse](
		correlation.WithLogger(logger),
		correlation.WithSettleHook(func(s correlation.Settlement) {
			// Caller-cancelled ids stay marked until their cancel frame
			// goes out.
			if s.Outcome != correlation.OutcomeCancelled {
				delete(m.loop.sent, s.ID)
			}
			m.observer.RequestSettled(m.sessionID, s)
		}),
	)
	m.state.Store(&StateSnapshot{
		State:     model.StateDisconnected,
		Since:     time.Now().UTC(),
		SessionID: sessionID,
		Endpoint:  m.endpoint,
	})
	go m.run()
	return m, nil
}

func (m *Manager) SessionID() string { return m.sessionID }

// State returns the latest published state snapshot.
func (m *Manager) State() StateSnapshot {
	return *m.state.Load()
}

// InFlight returns the number of requests the event loop is tracking.
func (m *Manager) InFlight() int {
	return int(m.inflight.Load())
}

// Health returns the current health snapshot.
func (m *Manager) Health() health.Snapshot {
	return m.monitor.Current()
}

// SubscribeHealth streams health snapshot updates, including unsolicited
// health events from the peer. Updates that do not fit in buffer are dropped.
func (m *Manager) SubscribeHealth(buffer int) (<-chan health.Snapshot, func()) {
	return m.monitor.Subscribe(buffer)
}

// Connect starts connecting if the session is Disconnected or Failed and
// waits until it first reaches Connected. It fails with an error wrapping
// model.ErrConnection once the initial attempt budget is spent. Cancelling
// ctx stops the wait, not the background attempts.
func (m *Manager) Connect(ctx context.Context) error {
	waiter := make(chan error, 1)
	if err := m.sendControl(ctx, controlCmd{op: opConnect, reply: waiter}); err != nil {
		return err
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send issues one request and waits for its scored response. It fails fast
// with model.ErrNotConnected when the session is not Connected and with
// model.ErrBusy when the event loop mailbox is full; it never waits on the
// transport.
func (m *Manager) Send(ctx context.Context, req Request) (confidence.ScoredResponse, error) {
	var zero confidence.ScoredResponse
	if m.State().State != model.StateConnected {
		return zero, model.ErrNotConnected
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}
	req.Kind = model.CanonicalOperationKind(string(req.Kind))
	id := m.nextID.Add(1)
	future := correlation.NewFuture[confidence.ScoredResponse]()
	if err := m.post(sendCmd{id: id, req: req, timeout: timeout, future: future}); err != nil {
		return zero, err
	}

	select {
	case <-future.Done():
		return future.Result()
	case <-ctx.Done():
		cause := fmt.Errorf("%w: %w", model.ErrCancelled, ctx.Err())
		if future.Cancel(cause) {
			// Best effort; the sweep reaps the entry if the mailbox is full.
			_ = m.post(cancelCmd{id: id, cause: cause})
		}
		return future.Result()
	}
}

// Disconnect tears the session down and returns once the state is
// Disconnected and every pending request has failed with
// model.ErrConnectionLost. It is idempotent.
func (m *Manager) Disconnect() error {
	reply := make(chan error, 1)
	select {
	case m.control <- controlCmd{op: opDisconnect, reply: reply}:
	case <-m.stopped:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-m.stopped:
		return nil
	}
}

// Close disconnects, stops the event loop and waits for every connection
// goroutine to exit.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closing)
		reply := make(chan error, 1)
		select {
		case m.control <- controlCmd{op: opClose, reply: reply}:
		case <-m.stopped:
		}
		<-m.stopped
		m.workers.Wait()
	})
	return nil
}

func (m *Manager) post(cmd command) error {
	select {
	case <-m.closing:
		return model.ErrClosed
	default:
	}
	select {
	case m.mailbox <- cmd:
		return nil
	default:
		return model.ErrBusy
	}
}

func (m *Manager) sendControl(ctx context.Context, cmd controlCmd) error {
	select {
	case <-m.closing:
		return model.ErrClosed
	default:
	}
	select {
	case m.control <- cmd:
		return nil
	case <-m.stopped:
		return model.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postEvent hands an event from a connection or dial goroutine to the loop.
// It reports false once the loop has stopped.
func (m *Manager) postEvent(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.stopped:
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return security.Redact(err.Error())
}

var errDisconnected = errors.New("disconnect requested")
