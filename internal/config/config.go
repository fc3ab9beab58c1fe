package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Endpoint              string
	ConnectTimeout        time.Duration
	RequestTimeout        time.Duration
	HealthStaleAfter      time.Duration
	HealthCheckInterval   time.Duration
	PingInterval          time.Duration
	SweepInterval         time.Duration
	ReviewThreshold       float64
	MockConfidenceCeiling float64
	MaxConnectAttempts    int
	MaxReconnectAttempts  int
	BackoffBase           time.Duration
	BackoffFactor         float64
	BackoffMax            time.Duration
	BackoffJitter         float64
	OutboundQueue         int
	MailboxSize           int
	MaxFrameBytes         int
	JournalPath           string
	LogLevel              string
	LogFormat             string
	LogFile               string

	SocketPath          string
	HTTPAddr            string
	Engine              string
	EngineURL           string
	EngineModel         string
	HealthInterval      time.Duration
	DegradeFailures     int
	UnavailableFailures int
	RecoverSuccesses    int
	FailureWindow       time.Duration
	JournalRetention    time.Duration
}

func DefaultConfig() Config {
	socketPath := defaultSocketPath()
	return Config{
		Endpoint:              "unix://" + socketPath,
		ConnectTimeout:        10 * time.Second,
		RequestTimeout:        30 * time.Second,
		HealthStaleAfter:      30 * time.Second,
		HealthCheckInterval:   1 * time.Second,
		PingInterval:          5 * time.Second,
		SweepInterval:         100 * time.Millisecond,
		ReviewThreshold:       0.5,
		MockConfidenceCeiling: 0.6,
		MaxConnectAttempts:    5,
		MaxReconnectAttempts:  0,
		BackoffBase:           500 * time.Millisecond,
		BackoffFactor:         2,
		BackoffMax:            10 * time.Second,
		BackoffJitter:         0.2,
		OutboundQueue:         64,
		MailboxSize:           256,
		MaxFrameBytes:         1 << 20,
		JournalPath:           defaultJournalPath(),
		LogLevel:              "info",
		LogFormat:             "console",

		SocketPath:          socketPath,
		Engine:              "mock",
		EngineURL:           "http://127.0.0.1:11434",
		EngineModel:         "llama3",
		HealthInterval:      10 * time.Second,
		DegradeFailures:     1,
		UnavailableFailures: 3,
		RecoverSuccesses:    2,
		FailureWindow:       30 * time.Second,
		JournalRetention:    14 * 24 * time.Hour,
	}
}

func (c Config) Validate() error {
	var errs []error
	if _, err := ParseEndpoint(c.Endpoint); err != nil {
		errs = append(errs, err)
	}
	positive := map[string]time.Duration{
		"connect_timeout":       c.ConnectTimeout,
		"request_timeout":       c.RequestTimeout,
		"health_stale_after":    c.HealthStaleAfter,
		"health_check_interval": c.HealthCheckInterval,
		"ping_interval":         c.PingInterval,
		"sweep_interval":        c.SweepInterval,
		"backoff_base":          c.BackoffBase,
		"backoff_max":           c.BackoffMax,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, errors.New("backoff_max must not be below backoff_base"))
	}
	if c.BackoffFactor < 1 {
		errs = append(errs, errors.New("backoff_factor must be >= 1"))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errs = append(errs, errors.New("backoff_jitter must be in [0,1)"))
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 1 {
		errs = append(errs, errors.New("review_threshold must be in [0,1]"))
	}
	if c.MockConfidenceCeiling < 0 || c.MockConfidenceCeiling > 1 {
		errs = append(errs, errors.New("mock_confidence_ceiling must be in [0,1]"))
	}
	if c.MaxConnectAttempts < 1 {
		errs = append(errs, errors.New("max_connect_attempts must be >= 1"))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("max_reconnect_attempts must be >= 0 (0 = unbounded)"))
	}
	if c.OutboundQueue < 1 || c.MailboxSize < 1 {
		errs = append(errs, errors.New("outbound_queue and mailbox_size must be >= 1"))
	}
	if c.MaxFrameBytes < 1024 {
		errs = append(errs, errors.New("max_frame_bytes must be >= 1024"))
	}
	return errors.Join(errs...)
}

// ValidateDaemon checks the settings used by the peer daemon.
func (c Config) ValidateDaemon() error {
	var errs []error
	if strings.TrimSpace(c.SocketPath) == "" && strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("socket_path or http_addr is required"))
	}
	switch c.Engine {
	case "mock", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Engine))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, errors.New("health_interval must be positive"))
	}
	if c.DegradeFailures < 1 || c.UnavailableFailures < c.DegradeFailures || c.RecoverSuccesses < 1 {
		errs = append(errs, errors.New("invalid health policy thresholds"))
	}
	return errors.Join(errs...)
}

// Endpoint is a parsed session endpoint.
type Endpoint struct {
	Scheme  string
	Address string
	URL     *url.URL
}

// ParseEndpoint accepts unix://, tcp://, ws:// and wss:// endpoints. A bare
// path is treated as a unix socket.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, errors.New("endpoint is required")
	}
	if strings.HasPrefix(raw, "/") {
		return Endpoint{Scheme: "unix", Address: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "unix":
		path := u.Path
		if u.Host != "" {
			path = u.Host + u.Path
		}
		if path == "" {
			return Endpoint{}, errors.New("unix endpoint requires a path")
		}
		return Endpoint{Scheme: "unix", Address: path, URL: u}, nil
	case "tcp":
		if u.Host == "" {
			return Endpoint{}, errors.New("tcp endpoint requires host:port")
		}
		return Endpoint{Scheme: "tcp", Address: u.Host, URL: u}, nil
	case "ws", "wss":
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("%s endpoint requires a host", u.Scheme)
		}
		return Endpoint{Scheme: u.Scheme, Address: u.String(), URL: u}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "infersession", "infersessiond.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".infersessiond.sock"
	}
	return filepath.Join(home, ".local", "state", "infersession", "infersessiond.sock")
}

func defaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "infersession.db"
	}
	return filepath.Join(home, ".local", "state", "infersession", "journal.db")
}
