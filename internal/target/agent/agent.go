// Package agent implements target.Connector against the HTTP agent that runs
// inside each monitored process.
//
// Endpoints used:
//
//	GET {target}/health                 liveness, 2xx when the agent is up
//	GET {target}/recordings/{name}      raw bytes of an in-memory recording
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/loykin/reportd/internal/target"
)

// Credentials resolves a credential reference to basic-auth values.
type Credentials interface {
	Lookup(name string) (username, password string, ok bool)
}

// StaticCredentials is a fixed name -> [username, password] table.
type StaticCredentials map[string][2]string

func (s StaticCredentials) Lookup(name string) (string, string, bool) {
	v, ok := s[name]
	return v[0], v[1], ok
}

// Config holds connector configuration
type Config struct {
	// Timeout bounds the health probe on connect. Recording downloads are
	// bounded by the caller's context only.
	Timeout     time.Duration
	Logger      *slog.Logger
	TLS         *TLSClientConfig
	Insecure    bool // Skip TLS verification
	Credentials Credentials
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// Connector dials target agents over HTTP.
type Connector struct {
	cfg       Config
	tlsConfig *tls.Config
}

// New creates a new agent connector. TLS material is loaded once here.
func New(cfg Config) (*Connector, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Connector{cfg: cfg}
	if cfg.TLS != nil || cfg.Insecure {
		tc, err := setupClientTLS(cfg)
		if err != nil {
			return nil, fmt.Errorf("agent tls: %w", err)
		}
		c.tlsConfig = tc
	}
	return c, nil
}

// Connect probes the target's agent and returns a connection with its own
// transport, so closing it drops exactly this target's sockets.
func (c *Connector) Connect(ctx context.Context, id target.ID) (target.Conn, error) {
	base, err := url.Parse(id.URL)
	if err != nil {
		return nil, &target.ConnectError{Target: id, Err: err}
	}
	conn := &Conn{
		id:     id,
		base:   base,
		logger: c.cfg.Logger,
		transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     c.tlsConfig,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	conn.client = &http.Client{Transport: conn.transport}
	if id.Credentials != "" {
		if c.cfg.Credentials == nil {
			return nil, &target.ConnectError{Target: id, Err: fmt.Errorf("no credential store for %q", id.Credentials)}
		}
		u, p, ok := c.cfg.Credentials.Lookup(id.Credentials)
		if !ok {
			return nil, &target.ConnectError{Target: id, Err: fmt.Errorf("unknown credentials %q", id.Credentials)}
		}
		conn.user, conn.pass = u, p
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := conn.ping(pctx); err != nil {
		conn.transport.CloseIdleConnections()
		return nil, &target.ConnectError{Target: id, Err: err}
	}
	c.cfg.Logger.Debug("Agent reachable", "target", id.String())
	return conn, nil
}

// Conn is a connection to one target agent.
type Conn struct {
	id        target.ID
	base      *url.URL
	client    *http.Client
	transport *http.Transport
	user      string
	pass      string
	logger    *slog.Logger
	closed    atomic.Bool
}

func (c *Conn) ping(ctx context.Context) error {
	resp, err := c.do(ctx, "/health")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

// OpenRecording streams the named recording. Read errors on the returned
// body are reported as *target.ConnectionError.
func (c *Conn) OpenRecording(ctx context.Context, name string) (io.ReadCloser, error) {
	if c.closed.Load() {
		return nil, &target.ConnectionError{Target: c.id, Op: "open recording", Err: net.ErrClosed}
	}
	resp, err := c.do(ctx, "/recordings/"+url.PathEscape(name))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &target.ConnectionError{Target: c.id, Op: "open recording", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", name, target.ErrRecordingNotFound)
	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, &target.ConnectionError{Target: c.id, Op: "open recording " + name, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode/100 != 2:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open recording %s: HTTP %d", name, resp.StatusCode)
	}
	return &body{rc: resp.Body, id: c.id}, nil
}

// Close drops the connection's idle sockets. It is safe to call twice.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.transport.CloseIdleConnections()
	return nil
}

func (c *Conn) do(ctx context.Context, path string) (*http.Response, error) {
	u := *c.base
	u.Path = c.base.Path + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.user != "" || c.pass != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Agent request failed", "target", c.id.String(), "path", path, "error", err)
		return nil, err
	}
	return resp, nil
}

type body struct {
	rc io.ReadCloser
	id target.ID
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return n, &target.ConnectionError{Target: b.id, Op: "read recording", Err: err}
	}
	return n, err
}

func (b *body) Close() error { return b.rc.Close() }

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}
