// Package probes provides ready-made health probes for common dependencies.
//
// Every constructor returns a selfheal.HealthCheckFunc that honors the
// context deadline the monitor passes in.
package probes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	selfheal "github.com/JohnPlummer/jp-go-selfheal"
)

// Pinger is anything with a context-aware Ping, such as *pgxpool.Pool or
// *sql.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a probe that is healthy when p.Ping succeeds.
func Ping(p Pinger) selfheal.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		if err := p.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
}

// Postgres probes a pgx connection pool.
func Postgres(pool *pgxpool.Pool) selfheal.HealthCheckFunc {
	return Ping(pool)
}

// Redis probes a Redis server with PING.
func Redis(client redis.Cmdable) selfheal.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, fmt.Errorf("redis ping: %w", err)
		}
		return true, nil
	}
}

// TCP probes that addr accepts connections.
func TCP(addr string) selfheal.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, err
		}
		_ = conn.Close()
		return true, nil
	}
}

// HTTPOption configures an HTTP probe.
type HTTPOption func(*httpProbe)

type httpProbe struct {
	client         *http.Client
	method         string
	expectedStatus int
	header         http.Header
}

// WithHTTPClient sets the client used for probe requests.
// Default: http.DefaultClient
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *httpProbe) {
		p.client = c
	}
}

// WithExpectedStatus requires an exact status code instead of any 2xx.
func WithExpectedStatus(code int) HTTPOption {
	return func(p *httpProbe) {
		p.expectedStatus = code
	}
}

// WithMethod sets the request method. Default: GET
func WithMethod(method string) HTTPOption {
	return func(p *httpProbe) {
		p.method = method
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) HTTPOption {
	return func(p *httpProbe) {
		p.header.Add(key, value)
	}
}

// HTTP probes url. By default any 2xx response is healthy. Other responses
// fail with an error carrying the status code, so retry classification can
// tell 5xx from 4xx.
//
// Example:
//
//	monitor.RegisterService("billing", probes.HTTP("http://billing:8080/healthz"), nil)
func HTTP(url string, opts ...HTTPOption) selfheal.HealthCheckFunc {
	p := &httpProbe{
		client: http.DefaultClient,
		method: http.MethodGet,
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(p)
	}

	return func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, p.method, url, nil)
		if err != nil {
			return false, err
		}
		for k, vs := range p.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if p.ok(resp.StatusCode) {
			return true, nil
		}
		return false, selfheal.NewStatusCodeError(resp.StatusCode,
			errors.New("unexpected health endpoint status "+resp.Status))
	}
}

func (p *httpProbe) ok(code int) bool {
	if p.expectedStatus != 0 {
		return code == p.expectedStatus
	}
	return code >= 200 && code < 300
}
