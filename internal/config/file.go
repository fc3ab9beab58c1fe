package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type fileConfig struct {
	Session struct {
		Endpoint             string `toml:"endpoint"`
		ConnectTimeout       string `toml:"connect_timeout"`
		RequestTimeout       string `toml:"request_timeout"`
		PingInterval         string `toml:"ping_interval"`
		SweepInterval        string `toml:"sweep_interval"`
		MaxConnectAttempts   *int   `toml:"max_connect_attempts"`
		MaxReconnectAttempts *int   `toml:"max_reconnect_attempts"`
		OutboundQueue        *int   `toml:"outbound_queue"`
		MailboxSize          *int   `toml:"mailbox_size"`
		MaxFrameBytes        *int   `toml:"max_frame_bytes"`
	} `toml:"session"`
	Backoff struct {
		Base   string   `toml:"base"`
		Factor *float64 `toml:"factor"`
		Max    string   `toml:"max"`
		Jitter *float64 `toml:"jitter"`
	} `toml:"backoff"`
	Health struct {
		StaleAfter    string `toml:"stale_after"`
		CheckInterval string `toml:"check_interval"`
	} `toml:"health"`
	Confidence struct {
		ReviewThreshold       *float64 `toml:"review_threshold"`
		MockConfidenceCeiling *float64 `toml:"mock_confidence_ceiling"`
	} `toml:"confidence"`
	Journal struct {
		Path      string `toml:"path"`
		Retention string `toml:"retention"`
	} `toml:"journal"`
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"logging"`
	Daemon struct {
		SocketPath          string `toml:"socket_path"`
		HTTPAddr            string `toml:"http_addr"`
		Engine              string `toml:"engine"`
		EngineURL           string `toml:"engine_url"`
		EngineModel         string `toml:"engine_model"`
		HealthInterval      string `toml:"health_interval"`
		DegradeFailures     *int   `toml:"degrade_failures"`
		UnavailableFailures *int   `toml:"unavailable_failures"`
		RecoverSuccesses    *int   `toml:"recover_successes"`
		FailureWindow       string `toml:"failure_window"`
	} `toml:"daemon"`
}

// LoadFile overlays the TOML file at path onto base. A missing file is not an
// error.
func LoadFile(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return base, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data, base)
}

func Parse(data []byte, base Config) (Config, error) {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("decode config file: %w", err)
	}
	cfg := base
	var errs []error
	dur := func(name, raw string, dst *time.Duration) {
		if raw == "" {
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
	str := func(raw string, dst *string) {
		if raw != "" {
			*dst = raw
		}
	}
	num := func(v *int, dst *int) {
		if v != nil {
			*dst = *v
		}
	}
	flt := func(v *float64, dst *float64) {
		if v != nil {
			*dst = *v
		}
	}

	str(fc.Session.Endpoint, &cfg.Endpoint)
	dur("session.connect_timeout", fc.Session.ConnectTimeout, &cfg.ConnectTimeout)
	dur("session.request_timeout", fc.Session.RequestTimeout, &cfg.RequestTimeout)
	dur("session.ping_interval", fc.Session.PingInterval, &cfg.PingInterval)
	dur("session.sweep_interval", fc.Session.SweepInterval, &cfg.SweepInterval)
	num(fc.Session.MaxConnectAttempts, &cfg.MaxConnectAttempts)
	num(fc.Session.MaxReconnectAttempts, &cfg.MaxReconnectAttempts)
	num(fc.Session.OutboundQueue, &cfg.OutboundQueue)
	num(fc.Session.MailboxSize, &cfg.MailboxSize)
	num(fc.Session.MaxFrameBytes, &cfg.MaxFrameBytes)

	dur("backoff.base", fc.Backoff.Base, &cfg.BackoffBase)
	flt(fc.Backoff.Factor, &cfg.BackoffFactor)
	dur("backoff.max", fc.Backoff.Max, &cfg.BackoffMax)
	flt(fc.Backoff.Jitter, &cfg.BackoffJitter)

	dur("health.stale_after", fc.Health.StaleAfter, &cfg.HealthStaleAfter)
	dur("health.check_interval", fc.Health.CheckInterval, &cfg.HealthCheckInterval)

	flt(fc.Confidence.ReviewThreshold, &cfg.ReviewThreshold)
	flt(fc.Confidence.MockConfidenceCeiling, &cfg.MockConfidenceCeiling)

	str(fc.Journal.Path, &cfg.JournalPath)
	dur("journal.retention", fc.Journal.Retention, &cfg.JournalRetention)

	str(fc.Logging.Level, &cfg.LogLevel)
	str(fc.Logging.Format, &cfg.LogFormat)
	str(fc.Logging.File, &cfg.LogFile)

	str(fc.Daemon.SocketPath, &cfg.SocketPath)
	str(fc.Daemon.HTTPAddr, &cfg.HTTPAddr)
	str(fc.Daemon.Engine, &cfg.Engine)
	str(fc.Daemon.EngineURL, &cfg.EngineURL)
	str(fc.Daemon.EngineModel, &cfg.EngineModel)
	dur("daemon.health_interval", fc.Daemon.HealthInterval, &cfg.HealthInterval)
	num(fc.Daemon.DegradeFailures, &cfg.DegradeFailures)
	num(fc.Daemon.UnavailableFailures, &cfg.UnavailableFailures)
	num(fc.Daemon.RecoverSuccesses, &cfg.RecoverSuccesses)
	dur("daemon.failure_window", fc.Daemon.FailureWindow, &cfg.FailureWindow)

	if len(errs) > 0 {
		return base, errors.Join(errs...)
	}
	return cfg, nil
}
