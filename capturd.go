// Package capturd is the embeddable core of the capture daemon: it wires the
// store, prober, disk gate, supervisor, scanner and HTTP API together.
package capturd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/capturd/capturd/internal/config"
	"github.com/capturd/capturd/internal/diskgate"
	"github.com/capturd/capturd/internal/events"
	chsink "github.com/capturd/capturd/internal/events/clickhouse"
	"github.com/capturd/capturd/internal/logger"
	"github.com/capturd/capturd/internal/metrics"
	"github.com/capturd/capturd/internal/probe"
	"github.com/capturd/capturd/internal/scanner"
	"github.com/capturd/capturd/internal/server"
	"github.com/capturd/capturd/internal/store"
	"github.com/capturd/capturd/internal/store/factory"
	"github.com/capturd/capturd/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Source = store.Source

type Capture = store.Capture

type Stats = store.Stats

type EventSink = events.Sink

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon bundles the running subsystems. Build with New, run with Serve,
// tear down with Shutdown.
type Daemon struct {
	cfg   *Config
	st    store.Store
	sup   *supervisor.Supervisor
	scan  *scanner.Scanner
	api   *http.Server
	sinks []events.Sink
}

// New opens the store, prepares the output directory and wires every
// subsystem. The daemon does not serve anything until Serve is called.
func New(cfg *Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureOutputDir(); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	log := logger.Setup(cfg.Log)

	st, err := factory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	prober := probe.New(cfg.Capture.Binary, cfg.URLTemplate, cfg.Capture.ProbeTimeout, log)
	gate := diskgate.New(cfg.OutputDir, cfg.Disk)
	sup := supervisor.New(st, prober, gate, cfg.Log, log, supervisor.Options{
		Binary:      cfg.Capture.Binary,
		ExtraFlags:  cfg.Capture.ExtraFlags,
		URLTemplate: cfg.URLTemplate,
		OutputDir:   cfg.OutputDir,
		StopGrace:   cfg.Capture.StopGrace,
		MaxDuration: cfg.Disk.MaxDuration(),
	})

	d := &Daemon{cfg: cfg, st: st, sup: sup}
	if cfg.ClickHouse.Enabled {
		sink, err := chsink.New(cfg.ClickHouse.Addr, cfg.ClickHouse.Database,
			cfg.ClickHouse.Username, cfg.ClickHouse.Password, cfg.ClickHouse.Table)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("clickhouse sink: %w", err)
		}
		d.sinks = append(d.sinks, sink)
	}
	sup.SetEventSinks(d.sinks...)

	if cfg.AutoScanEnabled {
		d.scan = scanner.New(st, prober, sup, cfg.ScanInterval(), log)
	}
	return d, nil
}

// AddEventSinks registers extra lifecycle event destinations. Call before Serve.
func (d *Daemon) AddEventSinks(sinks ...EventSink) {
	d.sinks = append(d.sinks, sinks...)
	d.sup.SetEventSinks(d.sinks...)
}

// Store exposes the persistence layer for embedding callers.
func (d *Daemon) Store() store.Store { return d.st }

// Supervisor exposes capture control for embedding callers.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Serve starts the HTTP API and, when enabled, the auto-scan loop. It returns
// once both are running.
func (d *Daemon) Serve() error {
	r := server.NewRouter(d.sup, d.st, d.cfg.Server.BasePath)
	if d.scan != nil {
		r.SetScanFunc(d.scan.Scan)
		d.scan.Start()
	}
	d.api = server.NewServer(d.cfg.Server.Listen, r)
	return nil
}

// Shutdown tears the daemon down in dependency order: no new scans, then no
// new API requests, then stop captures (records persisted before signals),
// then close the store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.scan != nil {
		d.scan.Stop()
	}
	if d.api != nil {
		_ = d.api.Shutdown(ctx)
	}
	err := d.sup.Shutdown(ctx)
	if cerr := d.st.Close(); err == nil {
		err = cerr
	}
	return err
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. The server runs in a background goroutine.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
