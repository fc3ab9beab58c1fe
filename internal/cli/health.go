package cli

import (
	"github.com/spf13/cobra"

	"github.com/g960059/infersession/internal/health"
	"github.com/g960059/infersession/internal/session"
)

type healthOutput struct {
	Session session.StateSnapshot `json:"session"`
	Health  health.Snapshot       `json:"health"`
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Connect and print the session state and health snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cs, err := a.startSession(cmd.Context())
			if err != nil {
				return err
			}
			defer cs.close()
			return writeJSON(cmd.OutOrStdout(), healthOutput{
				Session: cs.m.State(),
				Health:  cs.m.Health(),
			})
		},
	}
}
