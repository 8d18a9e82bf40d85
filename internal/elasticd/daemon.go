// Package elasticd assembles the scaling daemon: it listens for scaling
// directives on NATS, drives cluster coordinators over SSH and exports
// metrics.
package elasticd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/tOgg1/elastic/internal/bus"
	"github.com/tOgg1/elastic/internal/config"
	"github.com/tOgg1/elastic/internal/journal"
	"github.com/tOgg1/elastic/internal/membership"
	"github.com/tOgg1/elastic/internal/metrics"
	"github.com/tOgg1/elastic/internal/scaling"
	"github.com/tOgg1/elastic/internal/ssh"
	"github.com/tOgg1/elastic/internal/topology"
)

const shutdownTimeout = 5 * time.Second

// Options overrides collaborators, mostly for tests.
type Options struct {
	// Conn replaces the NATS connection dialed from config.
	Conn bus.Conn

	// Runner replaces the SSH runner used against coordinators.
	Runner membership.CommandRunner

	// Registry replaces the Prometheus registry.
	Registry *prometheus.Registry
}

// Daemon is the running scaling service.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	topology *topology.Memory
	registry *prometheus.Registry
	metrics  *metrics.Collectors
	journal  *journal.Store
	policy   *scaling.Policy
	server   *bus.Server

	nc   *nats.Conn
	conn bus.Conn

	mu          sync.Mutex
	metricsAddr string
}

// New wires the daemon from cfg. It connects to NATS unless opts.Conn is set.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		topology: topology.NewMemory(),
		registry: opts.Registry,
	}

	for _, cluster := range cfg.Clusters {
		if err := d.topology.SetRoute(cluster.ID, cluster.Coordinator); err != nil {
			return nil, fmt.Errorf("seed cluster %q: %w", cluster.ID, err)
		}
	}

	if d.registry == nil {
		d.registry = prometheus.NewRegistry()
		d.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	collectorSet, err := metrics.New(d.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	d.metrics = collectorSet

	observers := []scaling.Observer{d.metrics}
	if cfg.Journal.Enabled {
		store, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		d.journal = store
		observers = append(observers, store)
	}

	runner := opts.Runner
	if runner == nil {
		transport := cfg.TransportConfig()
		transport.OnConnectAttempt = d.metrics.ObserveConnectAttempt
		runner = ssh.NewRunner(transport, cfg.Credentials(), transport.Port,
			ssh.WithLogger(logger.With().Str("component", "ssh").Logger()))
	}
	remote := membership.NewRemote(runner, cfg.RemoteConfig(),
		membership.WithLogger(logger.With().Str("component", "membership").Logger()))

	d.conn = opts.Conn
	if d.conn == nil {
		nc, err := bus.Connect(cfg.BusSettings(), logger.With().Str("component", "nats").Logger())
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("connect to nats at %s: %w", cfg.Bus.URL, err)
		}
		d.nc = nc
		d.conn = nc
	}

	busCfg := cfg.BusSettings()
	powerClient := bus.NewPowerClient(d.conn, busCfg.PowerSubject, busCfg.RequestTimeout)

	d.policy = scaling.NewPolicy(d.topology, remote, powerClient,
		scaling.WithLogger(logger.With().Str("component", "scaling").Logger()),
		scaling.WithObservers(observers...),
		scaling.WithNameWait(cfg.Scaling.NameWaitTimeout, cfg.Scaling.NameWaitInterval),
	)

	d.server = bus.NewServer(d.conn, d.policy, d.topology, busCfg,
		bus.WithServerLogger(logger.With().Str("component", "bus").Logger()))

	return d, nil
}

// Run serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	var httpServer *http.Server
	httpErr := make(chan error, 1)
	if d.cfg.Metrics.Enabled {
		listener, err := net.Listen("tcp", d.cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.cfg.Metrics.Listen, err)
		}
		d.mu.Lock()
		d.metricsAddr = listener.Addr().String()
		d.mu.Unlock()

		mux := http.NewServeMux()
		mux.Handle(d.metricsPath(), metrics.Handler(d.registry))
		httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
		d.logger.Info().Str("addr", d.metricsAddr).Str("path", d.metricsPath()).Msg("metrics endpoint listening")
	}

	if err := d.server.Start(ctx); err != nil {
		if httpServer != nil {
			_ = httpServer.Close()
		}
		return err
	}

	d.logger.Info().Int("clusters", len(d.cfg.Clusters)).Msg("elasticd running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-httpErr:
		d.logger.Error().Err(runErr).Msg("metrics server failed")
	}

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutdown metrics server: %w", err))
		}
		cancel()
	}
	if err := d.server.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close bus server: %w", err))
	}

	d.logger.Info().Msg("elasticd stopped")
	return result.ErrorOrNil()
}

// Close releases the journal and the NATS connection.
func (d *Daemon) Close() error {
	var result *multierror.Error
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		d.journal = nil
	}
	if d.nc != nil {
		bus.Close(d.nc)
		d.nc = nil
	}
	return result.ErrorOrNil()
}

// Topology returns the daemon's topology.
func (d *Daemon) Topology() *topology.Memory {
	return d.topology
}

// Policy returns the scaling policy.
func (d *Daemon) Policy() *scaling.Policy {
	return d.policy
}

// Journal returns the operation journal, or nil when disabled.
func (d *Daemon) Journal() *journal.Store {
	return d.journal
}

// MetricsAddr returns the bound metrics address once Run has started.
func (d *Daemon) MetricsAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metricsAddr
}

func (d *Daemon) metricsPath() string {
	if d.cfg.Metrics.Path == "" {
		return "/metrics"
	}
	return d.cfg.Metrics.Path
}
