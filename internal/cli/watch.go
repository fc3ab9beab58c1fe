package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/session"
)

type watchEvent struct {
	Event      string           `json:"event"`
	At         time.Time        `json:"at"`
	Transition *transitionView  `json:"transition,omitempty"`
	Health     *health.Snapshot `json:"health,omitempty"`
}

type transitionView struct {
	Seq       uint64                `json:"seq"`
	From      model.ConnectionState `json:"from"`
	To        model.ConnectionState `json:"to"`
	Reason    string                `json:"reason,omitempty"`
	Attempt   int                   `json:"attempt,omitempty"`
	RetryInMS int64                 `json:"retry_in_ms,omitempty"`
}

// transitionFeed forwards state changes to the watch loop without blocking
// the session event loop.
type transitionFeed struct {
	session.NopObserver
	ch chan session.Transition
}

func (f *transitionFeed) StateChanged(tr session.Transition) {
	select {
	case f.ch <- tr:
	default:
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		count       int
		duration    time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream state transitions and health updates as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			feed := &transitionFeed{ch: make(chan session.Transition, 64)}
			cs, err := a.startSession(ctx, feed)
			if err != nil {
				return err
			}
			defer cs.close()
			updates, unsubscribe := cs.m.SubscribeHealth(16)
			defer unsubscribe()

			g, gctx := errgroup.WithContext(ctx)
			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(cs.registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, stop := context.WithTimeout(context.Background(), closeTimeout)
					defer stop()
					return srv.Shutdown(shutdownCtx)
				})
			}
			g.Go(func() error {
				defer cancel()
				return streamEvents(gctx, cmd.OutOrStdout(), cs.m.Health(), feed.ch, updates, count)
			})
			err = g.Wait()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&count, "count", 0, "stop after this many events (0 = unlimited)")
	f.DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve session metrics on this address while watching")
	return cmd
}

func streamEvents(ctx context.Context, w io.Writer, initial health.Snapshot, transitions <-chan session.Transition, updates <-chan health.Snapshot, count int) error {
	enc := json.NewEncoder(w)
	written := 0
	emit := func(ev watchEvent) (bool, error) {
		if err := enc.Encode(ev); err != nil {
			return false, err
		}
		written++
		return count > 0 && written >= count, nil
	}

	if done, err := emit(watchEvent{Event: "health", At: time.Now().UTC(), Health: &initial}); done || err != nil {
		return err
	}
	for {
		var ev watchEvent
		select {
		case <-ctx.Done():
			return nil
		case tr := <-transitions:
			ev = watchEvent{Event: "transition", At: tr.At, Transition: &transitionView{
				Seq:       tr.Seq,
				From:      tr.From,
				To:        tr.To,
				Reason:    tr.Reason,
				Attempt:   tr.Attempt,
				RetryInMS: tr.Delay.Milliseconds(),
			}}
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			ev = watchEvent{Event: "health", At: snap.LastUpdated, Health: &snap}
		}
		if done, err := emit(ev); done || err != nil {
			return err
		}
	}
}
