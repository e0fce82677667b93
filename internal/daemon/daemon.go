// Package daemon owns every activation component of the host process and
// starts and stops them in the order the platform requires: the primary
// role is decided before any window exists, and the activation registration
// is revoked while the process can still answer calls.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mmilitzer/activation-host/internal/activator"
	"github.com/mmilitzer/activation-host/internal/events"
	"github.com/mmilitzer/activation-host/internal/goroutineid"
	"github.com/mmilitzer/activation-host/internal/instance"
	"github.com/mmilitzer/activation-host/internal/ipc"
	"github.com/mmilitzer/activation-host/internal/logging"
	"github.com/mmilitzer/activation-host/internal/metrics"
	"github.com/mmilitzer/activation-host/internal/procscan"
	"github.com/mmilitzer/activation-host/pkg/config"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Config *config.Config

	// Registry receives the activation counters. A fresh registry with the
	// Go and process collectors is used when nil.
	Registry *prometheus.Registry

	// Lister and Executable override process discovery, mainly for tests.
	Lister     procscan.Lister
	Executable string
}

type Daemon struct {
	cfg      *config.Config
	log      *logrus.Entry
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	bus      *events.Bus
	window   *ipc.Window
	channel  *ipc.Channel
	endpoint *activator.Endpoint
	coord    *instance.Coordinator

	mu               sync.Mutex
	started          bool
	metricsSrv       *http.Server
	shutdownOnce     sync.Once
	shutdownComplete chan struct{}
}

// New builds the components without touching the system. Nothing listens
// until Start.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("daemon: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = metrics.NewRegistry(); err != nil {
			return nil, err
		}
	}
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:              cfg,
		log:              logging.For("daemon"),
		registry:         reg,
		metrics:          m,
		bus:              events.NewBus(),
		shutdownComplete: make(chan struct{}),
	}

	d.window = ipc.NewWindow(
		ipc.EndpointAddr(cfg.RuntimeDir, ipc.WindowName(cfg.AppID, os.Getpid())),
		logging.For("window"),
	)
	d.channel = ipc.NewChannel(ipc.ChannelOptions{
		DialTimeout: cfg.DialTimeout.Duration,
		Log:         logging.For("ipc"),
		Metrics:     m,
	})
	d.endpoint = activator.NewEndpoint(activator.EndpointOptions{
		Bus:       d.bus,
		Registrar: activator.NewSocketRegistrar(cfg.RuntimeDir, cfg.DialTimeout.Duration, logging.For("registrar")),
		CLSID:     cfg.CLSID(),
		Log:       logging.For("activator"),
		Metrics:   m,
	})

	scanner := procscan.NewScanner(procscan.Options{
		AppID:      cfg.AppID,
		RuntimeDir: cfg.RuntimeDir,
		Lister:     opts.Lister,
		Log:        logging.For("procscan"),
		Metrics:    m,
	})
	d.coord, err = instance.New(instance.Options{
		Scheme:              cfg.Scheme,
		Executable:          opts.Executable,
		Discoverer:          scanner,
		Sender:              d.channel,
		Window:              d.window,
		Endpoint:            d.endpoint,
		SelfDeliveryTimeout: cfg.SelfDeliveryTimeout.Duration,
		Log:                 logging.For("instance"),
		Metrics:             m,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Bus is where the UI shell subscribes for activation events.
func (d *Daemon) Bus() *events.Bus {
	return d.bus
}

func (d *Daemon) Window() *ipc.Window {
	return d.window
}

func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}

// OwnsActivation reports whether this process holds the activation
// registration.
func (d *Daemon) OwnsActivation() bool {
	return d.coord.OwnsActivation()
}

// Claim decides the role of this process for the launch described by args.
// It must run before Start. A Secondary result means the payload was handed
// to the running primary and the process should exit.
func (d *Daemon) Claim(ctx context.Context, args []string) instance.Result {
	res := d.coord.TryClaimPrimary(ctx, instance.PayloadFromArgs(args))
	d.log.WithField("role", res.Role.String()).Info("Instance role decided")
	return res
}

// Start registers the activation endpoint, attaches the deep-link receiver
// and realizes the main window. Losing the activation registration is
// logged and tolerated. Cancelling ctx shuts the daemon down.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("daemon already started")
	}
	d.started = true

	d.log.Info("Starting activation services...")

	if err := os.MkdirAll(d.cfg.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	d.channel.RegisterReceiver(d.window, d.receiveDeepLink)

	if err := d.coord.Start(); err != nil {
		d.log.WithError(err).Warn("Continuing without notification activation")
	}

	if err := d.window.Realize(); err != nil {
		d.coord.Shutdown()
		return fmt.Errorf("realize main window: %w", err)
	}

	if d.cfg.MetricsAddr != "" {
		if err := d.serveMetrics(); err != nil {
			d.log.WithError(err).Warn("Metrics listener disabled")
		}
	}

	go func() {
		<-ctx.Done()
		d.Shutdown()
	}()

	d.log.WithFields(logrus.Fields{
		"window":     d.window.Addr(),
		"activation": d.coord.OwnsActivation(),
	}).Info("Activation services running")
	return nil
}

func (d *Daemon) receiveDeepLink(payload string) {
	d.log.WithFields(logrus.Fields{
		"payload":   payload,
		"goroutine": goroutineid.Get(),
	}).Debug("Deep link received")

	d.metrics.EventsPublished.WithLabelValues(string(events.SourceDeepLink)).Inc()
	if n := d.bus.Publish(events.Event{
		Arguments: payload,
		Data:      map[string]string{},
		Source:    events.SourceDeepLink,
	}); n == 0 {
		d.log.WithField("payload", payload).Info("Deep link received with no subscriber, event dropped")
	}
}

func (d *Daemon) serveMetrics() error {
	ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(d.registry))
	d.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := d.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.WithError(err).Warn("Metrics listener stopped")
		}
	}()
	d.log.WithField("addr", ln.Addr().String()).Info("Serving metrics")
	return nil
}

// Shutdown stops everything in reverse dependency order. The activation
// registration goes first so no call lands on a process that stopped
// listening. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		go d.shutdown()
	})
}

func (d *Daemon) shutdown() {
	defer close(d.shutdownComplete)
	d.log.Info("Shutting down...")

	if err := d.coord.Shutdown(); err != nil {
		d.log.WithError(err).Warn("Error unregistering activation endpoint")
	}
	if err := d.window.Destroy(); err != nil {
		d.log.WithError(err).Warn("Error destroying main window")
	}

	d.mu.Lock()
	srv := d.metricsSrv
	d.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			d.log.WithError(err).Warn("Error stopping metrics listener")
		}
		cancel()
	}

	d.bus.Close()
	d.log.Info("Shutdown complete")
}

// WaitForShutdown blocks until a triggered shutdown completes or times out.
// Returns true if shutdown completed.
func (d *Daemon) WaitForShutdown() bool {
	select {
	case <-d.shutdownComplete:
		return true
	case <-time.After(shutdownTimeout):
		d.log.Warn("Shutdown timed out - exiting anyway")
		return false
	}
}

// KeepAlive blocks until ctx is done, then waits for shutdown to finish.
func (d *Daemon) KeepAlive(ctx context.Context) {
	d.log.Info("Running in headless mode. Press Ctrl+C to exit.")
	<-ctx.Done()
	d.Shutdown()
	d.WaitForShutdown()
}
