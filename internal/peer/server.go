// Package peer is the daemon end of the session protocol: it accepts client
// connections on a unix socket and an optional websocket endpoint and serves
// requests from an inference engine.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/infersession/internal/config"
	"github.com/g960059/infersession/internal/engine"
	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/metrics"
	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/transport"
)

var (
	ErrAlreadyRunning = errors.New("daemon already running")
	ErrPeerUID        = errors.New("peer uid mismatch")
)

const handshakeTimeout = 10 * time.Second

type Options struct {
	Config config.Config
	Engine engine.Engine
	Logger *zap.Logger
	// Registry receives the daemon metrics and backs /metrics. nil disables
	// both.
	Registry *prometheus.Registry
	ServerID string
}

type Server struct {
	cfg      config.Config
	engine   engine.Engine
	logger   *zap.Logger
	metrics  *metrics.PeerMetrics
	registry *prometheus.Registry
	serverID string
	policy   health.Policy
	upgrader websocket.Upgrader

	healthMu sync.Mutex
	tracker  health.Tracker
	memory   *uint64
	model    string

	connMu sync.Mutex
	conns  map[*peerConn]struct{}
	// connCtx closes every connection when cancelled.
	connCtx context.Context
	serving sync.WaitGroup

	mu       sync.Mutex
	unixLn   net.Listener
	httpLn   net.Listener
	httpSrv  *http.Server
	lockFile *os.File
	ready    chan struct{}
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if err := cfg.ValidateDaemon(); err != nil {
		return nil, fmt.Errorf("daemon config: %w", err)
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	serverID := opts.ServerID
	if serverID == "" {
		serverID = "infersessiond-" + uuid.NewString()[:8]
	}
	var reg prometheus.Registerer
	if opts.Registry != nil {
		reg = opts.Registry
	}
	pm, err := metrics.NewPeerMetrics(reg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		engine:   opts.Engine,
		logger:   logger.With(zap.String("server_id", serverID), zap.String("engine", opts.Engine.Name())),
		metrics:  pm,
		registry: opts.Registry,
		serverID: serverID,
		policy: health.Policy{
			DegradeFailures:     cfg.DegradeFailures,
			UnavailableFailures: cfg.UnavailableFailures,
			RecoverSuccesses:    cfg.RecoverSuccesses,
			FailureWindow:       cfg.FailureWindow,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
		},
		tracker: health.Tracker{Current: model.HealthReady},
		model:   cfg.EngineModel,
		conns:   map[*peerConn]struct{}{},
		ready:   make(chan struct{}),
	}
	s.metrics.SetHealth(model.HealthReady)
	return s, nil
}

// Ready is closed once every configured listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// HTTPAddr returns the bound HTTP address, empty before Ready or when HTTP
// is disabled.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Run binds the listeners and serves until ctx is cancelled or a listener
// fails. It always releases the socket and lock before returning.
func (s *Server) Run(ctx context.Context) error {
	if err := s.listen(); err != nil {
		s.cleanup()
		return err
	}
	close(s.ready)
	s.logger.Info("peer daemon listening",
		zap.String("socket", s.cfg.SocketPath),
		zap.String("http", s.HTTPAddr()),
	)

	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.connCtx = gctx
	s.mu.Unlock()
	if s.unixLn != nil {
		g.Go(func() error { return s.acceptLoop(gctx, s.unixLn) })
	}
	if s.httpLn != nil {
		g.Go(func() error {
			if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve http: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		s.healthLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdownListeners()
		return nil
	})

	err := g.Wait()
	s.serving.Wait()
	s.cleanup()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) listen() error {
	if s.cfg.SocketPath != "" {
		ln, lock, err := listenUnix(s.cfg.SocketPath)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.unixLn = ln
		s.lockFile = lock
		s.mu.Unlock()
	}
	if s.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
		s.mu.Lock()
		s.httpLn = ln
		s.httpSrv = &http.Server{
			Handler:           s.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.mu.Unlock()
	}
	return nil
}

func listenUnix(path string) (net.Listener, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create socket dir: %w", err)
	}
	lock, err := acquireLock(path)
	if err != nil {
		return nil, nil, err
	}
	if st, err := os.Lstat(path); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			releaseLock(lock) //nolint:errcheck
			return nil, nil, fmt.Errorf("socket path exists and is not unix socket: %s", path)
		}
		if err := os.Remove(path); err != nil {
			releaseLock(lock) //nolint:errcheck
			return nil, nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		releaseLock(lock) //nolint:errcheck
		return nil, nil, fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		releaseLock(lock) //nolint:errcheck
		return nil, nil, fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		releaseLock(lock) //nolint:errcheck
		return nil, nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, lock, nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept uds: %w", err)
		}
		if err := verifyPeerUID(conn); err != nil {
			s.logger.Warn("rejecting unix connection", zap.Error(err))
			conn.Close() //nolint:errcheck
			continue
		}
		s.serving.Add(1)
		go func() {
			defer s.serving.Done()
			s.serve(ctx, transport.NewStreamConn(conn, s.cfg.MaxFrameBytes), "unix")
		}()
	}
}

func (s *Server) shutdownListeners() {
	s.mu.Lock()
	unixLn, httpSrv := s.unixLn, s.httpSrv
	s.mu.Unlock()
	if unixLn != nil {
		unixLn.Close() //nolint:errcheck
	}
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked websocket connections close with connCtx.
		httpSrv.Shutdown(ctx) //nolint:errcheck
	}
}

func (s *Server) cleanup() {
	s.mu.Lock()
	lock := s.lockFile
	s.lockFile = nil
	unixLn := s.unixLn
	httpLn := s.httpLn
	s.mu.Unlock()
	if unixLn != nil {
		unixLn.Close() //nolint:errcheck
	}
	if httpLn != nil {
		httpLn.Close() //nolint:errcheck
	}
	if lock != nil {
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("remove socket", zap.Error(err))
			}
		}
		if err := releaseLock(lock); err != nil {
			s.logger.Warn("release lock", zap.Error(err))
		}
	}
}

func (s *Server) addConn(pc *peerConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[pc] = struct{}{}
}

func (s *Server) removeConn(pc *peerConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, pc)
}

func (s *Server) connCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) inflightCount() int {
	n := 0
	for _, pc := range s.snapshotConns() {
		pc.mu.Lock()
		n += len(pc.inflight)
		pc.mu.Unlock()
	}
	return n
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connCtx == nil {
		return context.Background()
	}
	return s.connCtx
}

func (s *Server) snapshotConns() []*peerConn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	out := make([]*peerConn, 0, len(s.conns))
	for pc := range s.conns {
		out = append(out, pc)
	}
	return out
}
