// Package reportd serves rendered reports of profiling recordings. Reports
// of recordings still live on a target and of archived recordings are
// generated in an isolated child process and cached.
package reportd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/reportd/internal/archive"
	cfg "github.com/loykin/reportd/internal/config"
	"github.com/loykin/reportd/internal/history"
	"github.com/loykin/reportd/internal/history/factory"
	"github.com/loykin/reportd/internal/logger"
	"github.com/loykin/reportd/internal/metrics"
	"github.com/loykin/reportd/internal/report"
	"github.com/loykin/reportd/internal/server"
	"github.com/loykin/reportd/internal/target"
	"github.com/loykin/reportd/internal/target/agent"
	itls "github.com/loykin/reportd/internal/tls"
)

// Re-export types embedders need.

type Config = cfg.Config

type Kind = report.Kind

type GenerationError = report.GenerationError

type HistorySink = history.Sink

type HistoryEvent = history.Event

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

func DefaultConfig() Config { return cfg.Default() }

// KindOf classifies an error returned by the service.
func KindOf(err error) Kind { return report.KindOf(err) }

// Options customize New beyond what Config covers.
type Options struct {
	// Logger replaces the logger built from Config.Log.
	Logger *slog.Logger
	// Connector replaces the HTTP agent connector.
	Connector target.Connector
	// HistorySinks are added to the sinks built from Config.History.
	HistorySinks []history.Sink
	// Registerer receives the metrics; prometheus.DefaultRegisterer if nil.
	// When it is also a Gatherer, /metrics serves from it.
	Registerer prometheus.Registerer
}

// Service is the assembled report service.
type Service struct {
	cfg       Config
	log       *slog.Logger
	logCloser io.Closer
	hist      *history.Recorder
	pool      *target.Manager
	gen       *report.Generator
	active    *report.ActiveCache
	archived  *report.ArchivedCache
	router    *server.Router
	gatherer  prometheus.Gatherer
}

// New wires the service described by c. Nothing runs until Run.
func New(c Config, opts Options) (*Service, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := c.EnsureDirs(); err != nil {
		return nil, err
	}
	s := &Service{cfg: c, log: opts.Logger}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	if s.log == nil {
		log, closer, err := logger.New(c.Log)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		s.log, s.logCloser = log, closer
	}

	if c.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if g, ok := reg.(prometheus.Gatherer); ok {
			s.gatherer = g
		}
	}

	sinks, err := factory.NewSinks(c.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	s.hist = history.NewRecorder(s.log, append(sinks, opts.HistorySinks...)...)

	conn := opts.Connector
	if conn == nil {
		ac, err := agent.New(agent.Config{
			Timeout:     c.Pool.ConnectTimeout,
			Logger:      s.log,
			TLS:         c.AgentTLS(),
			Insecure:    c.Pool.Insecure,
			Credentials: c.Credentials(),
		})
		if err != nil {
			return nil, err
		}
		conn = ac
	}
	s.pool = target.NewManager(conn, target.Options{
		TTL:           c.Pool.TTL,
		SweepInterval: c.Pool.SweepInterval,
		Logger:        s.log,
	})

	childEnv, err := c.ChildEnv()
	if err != nil {
		return nil, fmt.Errorf("reports.env_files: %w", err)
	}
	s.gen, err = report.NewGenerator(report.GeneratorConfig{
		Command:      c.Reports.Command,
		Timeout:      c.Reports.Timeout,
		TmpDir:       c.Reports.TmpDir,
		Env:          childEnv,
		MaxHeapBytes: c.MaxHeapBytes(),
		ChildLog:     logger.FileConfig{Dir: c.Reports.ChildLogDir},
		Logger:       s.log,
	})
	if err != nil {
		return nil, err
	}

	co := report.CacheOptions{
		Concurrency: c.Reports.Concurrency,
		Timeout:     c.Reports.Timeout,
		History:     s.hist,
		Logger:      s.log,
	}
	s.active = report.NewActiveCache(s.pool, s.gen, c.Reports.ActiveTTL, co)
	store := archive.New(c.Archive.Dir)
	srcs, err := store.Sources()
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	s.log.Info("Archive ready", "dir", c.Archive.Dir, "sources", len(srcs))
	s.archived = report.NewArchivedCache(c.Reports.ReportDir, store, s.gen, co)
	s.router = server.NewRouter(s.active, s.archived, s.pool, server.Options{
		BasePath: c.Server.BasePath,
		Metrics:  c.Metrics.Enabled && c.Metrics.Listen == "",
		Gatherer: s.gatherer,
		Logger:   s.log,
	})
	ok = true
	return s, nil
}

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger { return s.log }

// Handler returns the HTTP API for mounting in another server.
func (s *Service) Handler() http.Handler { return s.router.Handler() }

// ActiveReport returns the report of recording on the target at targetURL.
func (s *Service) ActiveReport(ctx context.Context, targetURL, credentials, recording string) (string, error) {
	id, err := target.ParseID(targetURL, credentials)
	if err != nil {
		return "", err
	}
	return s.active.Get(ctx, id, recording)
}

// ArchivedReport returns the path of the report file of an archived recording.
func (s *Service) ArchivedReport(ctx context.Context, name string) (string, error) {
	return s.archived.Get(ctx, name)
}

// Run starts the pool sweeper and serves HTTP until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	tc, err := itls.Setup(s.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	s.pool.Start()
	g, gctx := errgroup.WithContext(ctx)
	api := server.NewServer(s.cfg.Server.Listen, s.Handler())
	api.TLSConfig = tc
	s.log.Info("Starting report server", "listen", s.cfg.Server.Listen, "base_path", s.cfg.Server.BasePath, "tls", tc != nil)
	g.Go(func() error { return server.Serve(gctx, api, s.cfg.Server.ShutdownTimeout) })
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HandlerFor(s.gatherer))
		ms := server.NewServer(s.cfg.Metrics.Listen, mux)
		s.log.Info("Starting metrics server", "listen", s.cfg.Metrics.Listen)
		g.Go(func() error { return server.Serve(gctx, ms, s.cfg.Server.ShutdownTimeout) })
	}
	return g.Wait()
}

// Close releases pooled connections, sinks and log files.
func (s *Service) Close() error {
	var errs []error
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	if s.gen != nil {
		errs = append(errs, s.gen.Close())
	}
	if s.hist != nil {
		errs = append(errs, s.hist.Close())
	}
	if s.logCloser != nil {
		errs = append(errs, s.logCloser.Close())
	}
	return errors.Join(errs...)
}
