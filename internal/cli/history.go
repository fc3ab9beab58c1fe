package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/infersession/internal/journal"
)

type sessionHistory struct {
	Session     journal.Session            `json:"session"`
	Transitions []journal.TransitionRecord `json:"transitions"`
	Health      []journal.HealthSample     `json:"health"`
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Print recorded sessions, or one session's transitions and health samples",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("%w: journal is disabled", errUsage)
			}
			defer store.Close() //nolint:errcheck

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				sessions, err := store.ListSessions(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(out, sessions)
				}
				return printSessions(out, sessions)
			}

			id := args[0]
			sess, err := store.GetSession(cmd.Context(), id)
			if errors.Is(err, journal.ErrNotFound) {
				return fmt.Errorf("session %s not found", id)
			}
			if err != nil {
				return err
			}
			h := sessionHistory{Session: sess}
			if h.Transitions, err = store.ListTransitions(cmd.Context(), id); err != nil {
				return err
			}
			if h.Health, err = store.ListHealth(cmd.Context(), id); err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(out, h)
			}
			return printSessionHistory(out, h)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func printSessions(w io.Writer, sessions []journal.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tCLIENT\tENDPOINT\tSTARTED\tENDED")
	for _, s := range sessions {
		ended := "-"
		if s.EndedAt != nil {
			ended = s.EndedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.SessionID, s.ClientID, s.Endpoint, s.StartedAt.Local().Format(time.DateTime), ended)
	}
	return tw.Flush()
}

func printSessionHistory(w io.Writer, h sessionHistory) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "session %s (%s)\n\n", h.Session.SessionID, h.Session.Endpoint)
	fmt.Fprintln(tw, "SEQ\tAT\tFROM\tTO\tATTEMPT\tRETRY IN\tREASON")
	for _, tr := range h.Transitions {
		retry := "-"
		if tr.RetryIn > 0 {
			retry = tr.RetryIn.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n", tr.Seq, tr.At.Local().Format(time.TimeOnly), tr.From, tr.To, tr.Attempt, retry, tr.Reason)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "OBSERVED\tSTATUS\tMODE\tMODEL\tSYNTHETIC")
	for _, s := range h.Health {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", s.ObservedAt.Local().Format(time.TimeOnly), s.Status, s.Mode, s.Model, s.Synthetic)
	}
	return tw.Flush()
}
