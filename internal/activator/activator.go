// Package activator is the entry point the notification manager calls when
// the user activates a notification this application created. The manager
// finds the entry point through a registration keyed by a fixed class id and
// may call it at any time, on any goroutine, including before any window
// exists. The endpoint does no UI work: it republishes every call on the
// activation bus and returns.
//
// Shutdown ordering: Unregister must run before the process stops serving
// calls. A registration left behind points the notification manager at a
// process that will never answer.
package activator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mmilitzer/activation-host/internal/events"
	"github.com/mmilitzer/activation-host/internal/goroutineid"
	"github.com/mmilitzer/activation-host/internal/logging"
	"github.com/mmilitzer/activation-host/internal/metrics"
)

var (
	ErrAlreadyRegistered  = errors.New("activator: class id already registered by a live process")
	ErrRegistrationFailed = errors.New("activator: registration failed")
)

// UserInputData is one key/value pair the user entered or selected on the
// notification.
type UserInputData struct {
	Key   string
	Value string
}

// Callback is what the notification manager invokes. data holds dataCount
// pairs; the count comes from outside the process and is not trusted.
type Callback interface {
	Activate(appUserModelID, invokedArgs string, data []UserInputData, dataCount uint32)
}

type EndpointOptions struct {
	Bus       *events.Bus
	Registrar Registrar
	CLSID     uuid.UUID
	Log       *logrus.Entry
	Metrics   *metrics.Metrics
}

// Endpoint implements Callback by publishing onto the bus.
type Endpoint struct {
	bus       *events.Bus
	registrar Registrar
	clsid     uuid.UUID
	log       *logrus.Entry
	metrics   *metrics.Metrics

	mu           sync.Mutex
	handle       Handle
	registered   bool
	unregistered bool
}

func NewEndpoint(opts EndpointOptions) *Endpoint {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	return &Endpoint{
		bus:       opts.Bus,
		registrar: opts.Registrar,
		clsid:     opts.CLSID,
		log:       opts.Log.WithField("clsid", opts.CLSID.String()),
		metrics:   opts.Metrics,
	}
}

// Activate publishes one notification event. It never blocks on anything
// but the bus handlers.
func (e *Endpoint) Activate(appUserModelID, invokedArgs string, data []UserInputData, dataCount uint32) {
	log := e.log.WithFields(logrus.Fields{
		"app_id":    appUserModelID,
		"goroutine": goroutineid.Get(),
	})

	kv := userInputMap(data, dataCount)
	if kv == nil {
		log.WithFields(logrus.Fields{
			"data_count": dataCount,
			"data_len":   len(data),
		}).Warn("Data count exceeds supplied pairs, dropping data")
		kv = map[string]string{}
	}

	e.metrics.EventsPublished.WithLabelValues(string(events.SourceNotification)).Inc()
	n := e.bus.Publish(events.Event{
		Arguments: invokedArgs,
		Data:      kv,
		Source:    events.SourceNotification,
	})
	if n == 0 {
		log.WithField("args", invokedArgs).Info("Activation received with no subscriber, event dropped")
		return
	}
	log.WithFields(logrus.Fields{"args": invokedArgs, "subscribers": n}).Debug("Activation published")
}

// userInputMap reads the first count pairs of data. It returns nil when
// count claims more pairs than data holds. Later duplicates of a key win.
func userInputMap(data []UserInputData, count uint32) map[string]string {
	if uint64(count) > uint64(len(data)) {
		return nil
	}
	kv := make(map[string]string, count)
	for _, d := range data[:count] {
		kv[d.Key] = d.Value
	}
	return kv
}

// Register makes the endpoint discoverable under its class id. Calling it
// again after success returns the same handle.
func (e *Endpoint) Register() (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.registered {
		return e.handle, nil
	}
	if e.unregistered {
		return Handle{}, errors.New("activator: endpoint already unregistered")
	}

	h, err := e.registrar.Register(e.clsid, e)
	if err == nil && h.IsZero() {
		err = fmt.Errorf("%w: registrar issued no handle", ErrRegistrationFailed)
	}
	if err != nil {
		e.log.WithError(err).Error("Activation endpoint registration failed")
		return Handle{}, err
	}
	e.handle = h
	e.registered = true
	e.log.WithField("cookie", h.cookie).Info("Activation endpoint registered")
	return h, nil
}

// Unregister revokes the registration. Only the first call has an effect.
func (e *Endpoint) Unregister(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h.IsZero() || !e.registered || h != e.handle {
		e.log.WithField("cookie", h.cookie).Debug("Unregister ignored, handle not active")
		return nil
	}
	e.registered = false
	e.unregistered = true
	e.handle = Handle{}

	if err := e.registrar.Revoke(h); err != nil {
		e.log.WithError(err).Warn("Revoking activation endpoint failed")
		return err
	}
	e.log.WithField("cookie", h.cookie).Info("Activation endpoint unregistered")
	return nil
}
