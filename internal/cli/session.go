package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/journal"
	"github.com/g960059/infersession/internal/metrics"
	"github.com/g960059/infersession/internal/session"
)

const closeTimeout = 5 * time.Second

// clientSession is a connected Manager plus the observers the CLI attaches
// to it.
type clientSession struct {
	m        *session.Manager
	store    *journal.Store
	recorder *journal.Recorder
	registry *prometheus.Registry
	logger   *zap.Logger
}

// openJournal opens the journal and drops entries older than the retention
// window. It returns nil when the journal is disabled.
func (a *app) openJournal(ctx context.Context) (*journal.Store, error) {
	if a.cfg.JournalPath == "" {
		return nil, nil
	}
	store, err := journal.OpenMigrated(ctx, a.cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if a.cfg.JournalRetention > 0 {
		n, err := store.Prune(ctx, a.opts.Now().UTC().Add(-a.cfg.JournalRetention))
		if err != nil {
			a.logger.Warn("journal prune failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Debug("journal pruned", zap.Int64("rows", n))
		}
	}
	return store, nil
}

// startSession builds a Manager wired to the journal and session metrics and
// connects it.
func (a *app) startSession(ctx context.Context, extra ...session.Observer) (*clientSession, error) {
	store, err := a.openJournal(ctx)
	if err != nil {
		return nil, err
	}
	cs := &clientSession{store: store, registry: prometheus.NewRegistry(), logger: a.logger}

	collector, err := metrics.NewSessionCollector(cs.registry)
	if err != nil {
		cs.close()
		return nil, err
	}
	observers := []session.Observer{collector}
	if store != nil {
		cs.recorder = journal.NewRecorder(store,
			journal.WithRecorderLogger(a.logger),
			journal.WithSessionInfo(clientID, a.cfg.Endpoint),
		)
		observers = append(observers, cs.recorder)
	}
	observers = append(observers, extra...)

	m, err := session.New(session.Options{
		Config:   a.cfg,
		Dialer:   a.dialer(),
		Logger:   a.logger,
		Observer: session.Observers(observers...),
		ClientID: clientID,
	})
	if err != nil {
		cs.close()
		return nil, err
	}
	cs.m = m
	if err := m.Connect(ctx); err != nil {
		cs.close()
		return nil, fmt.Errorf("connect %s: %w", m.State().Endpoint, err)
	}
	return cs, nil
}

// close disconnects and flushes the journal. It is safe on a partly built
// session.
func (cs *clientSession) close() {
	if cs.m != nil {
		_ = cs.m.Close()
	}
	if cs.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := cs.recorder.Close(ctx); err != nil {
			cs.logger.Warn("journal flush incomplete", zap.Error(err))
		}
		cancel()
		if n := cs.recorder.Dropped(); n > 0 {
			cs.logger.Warn("journal dropped notifications", zap.Uint64("dropped", n))
		}
	}
	if cs.store != nil {
		if err := cs.store.Close(); err != nil {
			cs.logger.Warn("close journal", zap.Error(err))
		}
	}
}

const clientID = "infersession-cli"
