package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/g960059/infersession/internal/config"
	"github.com/g960059/infersession/internal/engine"
	"github.com/g960059/infersession/internal/logging"
	"github.com/g960059/infersession/internal/peer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "infersessiond: %v\n", err)
		os.Exit(1)
	}
}

// daemonFlags are bound to viper keys of the same name.
var daemonFlags = []string{"config", "socket", "http-addr", "engine", "engine-url", "model", "log-level", "log-file"}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("INFERSESSIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for _, name := range daemonFlags {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "infersessiond",
		Short:         "Serve the session protocol in front of a local inference engine",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				File:   cfg.LogFile,
				Stderr: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return run(cmd.Context(), cfg, logger)
		},
	}
	f := cmd.Flags()
	f.String("config", "", "TOML config file")
	f.String("socket", "", "unix socket path")
	f.String("http-addr", "", "address serving /v1/session, /v1/health and /metrics (empty disables)")
	f.String("engine", "", "inference engine (mock, ollama)")
	f.String("engine-url", "", "engine base URL")
	f.String("model", "", "model name")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-file", "", "also write JSON logs to this rotated file")
	bindFlags(v, f)
	return cmd
}

func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.LoadFile(v.GetString("config"), config.DefaultConfig())
	if err != nil {
		return cfg, err
	}
	override := func(key string, dst *string) {
		if val := strings.TrimSpace(v.GetString(key)); val != "" {
			*dst = val
		}
	}
	override("socket", &cfg.SocketPath)
	override("http-addr", &cfg.HTTPAddr)
	override("engine", &cfg.Engine)
	override("engine-url", &cfg.EngineURL)
	override("model", &cfg.EngineModel)
	override("log-level", &cfg.LogLevel)
	override("log-file", &cfg.LogFile)
	if err := cfg.ValidateDaemon(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	eng, err := engine.New(cfg.Engine, cfg.EngineURL, cfg.EngineModel)
	if err != nil {
		return err
	}
	if st, err := engine.Probe(ctx, eng); err != nil || !st.Ready {
		logger.Warn("engine not ready at startup",
			zap.String("engine", eng.Name()),
			zap.String("model", cfg.EngineModel),
			zap.Error(err),
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv, err := peer.New(peer.Options{
		Config:   cfg,
		Engine:   eng,
		Logger:   logger,
		Registry: reg,
	})
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}
