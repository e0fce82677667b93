// Package instance decides at startup whether this process is the primary
// instance of the application. Only deep-link launches are arbitrated: an
// ordinary launch always starts a new instance. A deep-link launch that finds
// a primary hands its payload over and tells the caller to exit.
package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmilitzer/activation-host/internal/activator"
	"github.com/mmilitzer/activation-host/internal/ipc"
	"github.com/mmilitzer/activation-host/internal/logging"
	"github.com/mmilitzer/activation-host/internal/metrics"
	"github.com/mmilitzer/activation-host/internal/procscan"
)

// ErrActivationUnavailable is returned by Start when this process could not
// take over activation delivery. The process may keep running without it.
var ErrActivationUnavailable = errors.New("instance: activation delivery unavailable")

type Role int

const (
	Primary Role = iota + 1
	Secondary
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// LaunchPayload is the raw command line of one startup attempt.
type LaunchPayload struct {
	Raw string

	multiArg bool
}

// PayloadFromArgs builds the payload from the process arguments, program
// name excluded. Only a launch with exactly one argument can be a deep link.
func PayloadFromArgs(args []string) LaunchPayload {
	if len(args) != 1 {
		return LaunchPayload{Raw: strings.Join(args, " "), multiArg: len(args) > 1}
	}
	return LaunchPayload{Raw: args[0]}
}

// Result of TryClaimPrimary. Target is set when Role is Secondary.
type Result struct {
	Role   Role
	Target procscan.Identity
}

// Discoverer finds the running primary instance of an executable.
type Discoverer interface {
	FindPrimary(ctx context.Context, exe string) (procscan.Identity, bool)
}

// Sender delivers a payload to a window endpoint, best effort.
type Sender interface {
	Send(target, payload string)
}

// Endpoint is the activation callback registration owned by the coordinator.
type Endpoint interface {
	Register() (activator.Handle, error)
	Unregister(h activator.Handle) error
}

type Options struct {
	Scheme     string
	Executable string

	Discoverer Discoverer
	Sender     Sender
	// Window is this process's own main window, usually not realized yet.
	Window   *ipc.Window
	Endpoint Endpoint

	// SelfDeliveryTimeout bounds how long a self delivery waits for Window.
	SelfDeliveryTimeout time.Duration

	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Coordinator arbitrates the primary role and owns the activation
// registration handle for the life of the process.
type Coordinator struct {
	opts    Options
	log     *logrus.Entry
	metrics *metrics.Metrics

	mu       sync.Mutex
	handle   activator.Handle
	owns     bool
	shutdown bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(opts Options) (*Coordinator, error) {
	if opts.Scheme == "" {
		return nil, errors.New("instance: scheme must be set")
	}
	if opts.Discoverer == nil || opts.Sender == nil || opts.Window == nil {
		return nil, errors.New("instance: discoverer, sender and window are required")
	}
	if opts.SelfDeliveryTimeout <= 0 {
		opts.SelfDeliveryTimeout = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Executable == "" {
		exe, err := procscan.SelfExecutable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable: %w", err)
		}
		opts.Executable = exe
	}
	return &Coordinator{
		opts:    opts,
		log:     opts.Log,
		metrics: opts.Metrics,
		stop:    make(chan struct{}),
	}, nil
}

// IsDeepLink reports whether p starts with the application scheme,
// compared case-insensitively.
func (c *Coordinator) IsDeepLink(p LaunchPayload) bool {
	if p.multiArg {
		return false
	}
	prefix := c.opts.Scheme + ":"
	return len(p.Raw) >= len(prefix) && strings.EqualFold(p.Raw[:len(prefix)], prefix)
}

// TryClaimPrimary decides the role of this process. A Secondary result
// means the payload was handed to the primary and the caller must exit
// without creating any UI.
func (c *Coordinator) TryClaimPrimary(ctx context.Context, p LaunchPayload) Result {
	if !c.IsDeepLink(p) {
		c.log.Debug("Not a deep-link launch, starting as primary")
		return Result{Role: Primary}
	}

	log := c.log.WithField("payload", p.Raw)

	if target, ok := c.opts.Discoverer.FindPrimary(ctx, c.opts.Executable); ok {
		log.WithField("pid", target.PID).Info("Primary instance found, forwarding deep link")
		c.opts.Sender.Send(target.Window, p.Raw)
		c.metrics.Forwards.Inc()
		return Result{Role: Secondary, Target: target}
	}

	log.Info("No primary instance found, delivering deep link to own window")
	c.scheduleSelfDelivery(p.Raw)
	return Result{Role: Primary}
}

// scheduleSelfDelivery sends payload to the own window once it is realized.
// The wait is bounded by SelfDeliveryTimeout and abandoned on Shutdown.
func (c *Coordinator) scheduleSelfDelivery(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		c.metrics.SelfDeliveries.WithLabelValues(metrics.OutcomeCancelled).Inc()
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		timer := time.NewTimer(c.opts.SelfDeliveryTimeout)
		defer timer.Stop()

		w := c.opts.Window
		select {
		case <-w.Realized():
			c.opts.Sender.Send(w.Addr(), payload)
			c.metrics.SelfDeliveries.WithLabelValues(metrics.OutcomeDelivered).Inc()
			c.log.Debug("Self delivery sent")
		case <-timer.C:
			c.metrics.SelfDeliveries.WithLabelValues(metrics.OutcomeTimeout).Inc()
			c.log.WithField("timeout", c.opts.SelfDeliveryTimeout).Warn("Own window not realized in time, deep link dropped")
		case <-c.stop:
			c.metrics.SelfDeliveries.WithLabelValues(metrics.OutcomeCancelled).Inc()
			c.log.Debug("Self delivery cancelled by shutdown")
		}
	}()
}

// Start registers the activation endpoint and takes ownership of its handle.
// On failure the process must not claim activation delivery; the returned
// error wraps ErrActivationUnavailable.
func (c *Coordinator) Start() error {
	if c.opts.Endpoint == nil {
		return fmt.Errorf("%w: no endpoint configured", ErrActivationUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return fmt.Errorf("%w: coordinator shut down", ErrActivationUnavailable)
	}
	if c.owns {
		return nil
	}

	h, err := c.opts.Endpoint.Register()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrActivationUnavailable, err)
	}
	c.handle = h
	c.owns = true
	return nil
}

// OwnsActivation reports whether this process holds the activation
// registration.
func (c *Coordinator) OwnsActivation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owns
}

// Shutdown abandons a pending self delivery and revokes the activation
// registration. It must run while the process can still answer calls.
// Only the first call has an effect.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	close(c.stop)
	owns, h := c.owns, c.handle
	c.owns = false
	c.handle = activator.Handle{}
	c.mu.Unlock()

	c.wg.Wait()

	if !owns {
		return nil
	}
	if err := c.opts.Endpoint.Unregister(h); err != nil {
		return fmt.Errorf("unregister activation endpoint: %w", err)
	}
	return nil
}
