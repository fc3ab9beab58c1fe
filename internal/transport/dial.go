package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/infersession/internal/config"
)

// Dialer opens a new physical connection to the peer.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// NetDialer dials unix://, tcp://, ws:// and wss:// endpoints.
type NetDialer struct {
	Endpoint  string
	MaxFrame  int
	TLSConfig *tls.Config
	Header    http.Header
	// HandshakeTimeout bounds the websocket upgrade when ctx has no deadline.
	HandshakeTimeout time.Duration
}

func (d NetDialer) Dial(ctx context.Context) (Conn, error) {
	ep, err := config.ParseEndpoint(d.Endpoint)
	if err != nil {
		return nil, err
	}
	switch ep.Scheme {
	case "unix", "tcp":
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, ep.Scheme, ep.Address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep.Scheme, err)
		}
		return NewStreamConn(conn, d.MaxFrame), nil
	case "ws", "wss":
		wd := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: d.HandshakeTimeout,
			TLSClientConfig:  d.TLSConfig,
		}
		if wd.HandshakeTimeout <= 0 {
			wd.HandshakeTimeout = 10 * time.Second
		}
		conn, resp, err := wd.DialContext(ctx, ep.Address, d.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial websocket: %w", err)
		}
		return NewWebSocketConn(conn, d.MaxFrame), nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}
}
