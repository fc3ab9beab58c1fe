// Package cli implements the infersession client commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/config"
	"github.com/g960059/infersession/internal/logging"
	"github.com/g960059/infersession/internal/transport"
)

// EnvPrefix prefixes every environment override, e.g. INFERSESSION_ENDPOINT.
const EnvPrefix = "INFERSESSION"

// journalOff disables the journal when passed to --journal.
const journalOff = "off"

type Options struct {
	Out    io.Writer
	ErrOut io.Writer
	// Dialer replaces the endpoint dialer.
	Dialer transport.Dialer
	Now    func() time.Time
}

type app struct {
	v      *viper.Viper
	opts   Options
	cfg    config.Config
	logger *zap.Logger
}

func Execute(ctx context.Context) error {
	return NewRootCmd(Options{}).ExecuteContext(ctx)
}

func NewRootCmd(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ErrOut == nil {
		opts.ErrOut = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	a := &app{v: v, opts: opts, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "infersession",
		Short:         "Talk to a local inference service over a persistent session",
		Long:          "infersession keeps a session with a local inference daemon, scores every response by confidence and records the session lifecycle in a local journal.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.load()
		},
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.ErrOut)

	pf := root.PersistentFlags()
	pf.String("endpoint", "", "session endpoint (unix://, tcp://, ws://, wss://)")
	pf.String("config", "", "TOML config file")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("journal", "", `journal database path, "off" disables it`)
	for _, name := range []string{"endpoint", "config", "log-level", "journal"} {
		if err := v.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	root.AddCommand(
		newSendCmd(a),
		newHealthCmd(a),
		newWatchCmd(a),
		newHistoryCmd(a),
	)
	return root
}

// load resolves the configuration: defaults, then the TOML file, then
// environment and flags.
func (a *app) load() error {
	cfg, err := config.LoadFile(a.v.GetString("config"), config.DefaultConfig())
	if err != nil {
		return err
	}
	if ep := strings.TrimSpace(a.v.GetString("endpoint")); ep != "" {
		cfg.Endpoint = ep
	}
	if lvl := strings.TrimSpace(a.v.GetString("log-level")); lvl != "" {
		cfg.LogLevel = lvl
	}
	if j := strings.TrimSpace(a.v.GetString("journal")); j != "" {
		cfg.JournalPath = j
	}
	if strings.EqualFold(cfg.JournalPath, journalOff) {
		cfg.JournalPath = ""
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Stderr: a.opts.ErrOut,
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) dialer() transport.Dialer {
	if a.opts.Dialer != nil {
		return a.opts.Dialer
	}
	return transport.NetDialer{Endpoint: a.cfg.Endpoint, MaxFrame: a.cfg.MaxFrameBytes}
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		return 1
	}
}

var errUsage = errors.New("usage")
