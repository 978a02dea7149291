package channel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type dialConfig struct {
	log       *zap.SugaredLogger
	retries   int
	retryWait time.Duration
}

type DialOption func(c *dialConfig)

func WithDialLogger(l *zap.Logger) DialOption {
	return func(c *dialConfig) {
		c.log = l.Named("channel_client").Sugar()
	}
}

// WithReconnect allows n further connection attempts, wait apart, after the first one fails.
func WithReconnect(n int, wait time.Duration) DialOption {
	return func(c *dialConfig) {
		c.retries = n
		c.retryWait = wait
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Dial connects to the endpoint's socket and opens the channel.
func Dial(ctx context.Context, endpoint Endpoint, opts ...DialOption) (*Conn, error) {
	cfg := &dialConfig{
		log:       zap.NewNop().Sugar(),
		retryWait: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(cfg)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	path := endpoint.Path()
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", path)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:       dialCtx,
			DisableKeepAlives: true,
		},
	}
	retryClient.RetryMax = cfg.retries
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return cfg.retryWait
	}
	retryClient.Logger = &logAdapter{SugaredLogger: cfg.log}

	// the host is never resolved, all dials go to the socket
	u := "ws://unix/channel/" + url.PathEscape(endpoint.ID)
	cfg.log.Debugw("dialing WebSocket", "URL", u, "Socket", path)
	wsConn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      retryClient.StandardClient(),
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: status %d: %w", ErrConnect, path, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, path, err)
	}
	return newConn(cfg.log.Named("conn"), wsConn), nil
}
