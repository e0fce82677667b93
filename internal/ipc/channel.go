// Package ipc carries one string at a time from one process to the main
// window of another. Delivery is best effort: there is no acknowledgement and
// no retry, and a window that disappears between discovery and send simply
// loses the message.
package ipc

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmilitzer/activation-host/internal/logging"
	"github.com/mmilitzer/activation-host/internal/metrics"
)

const defaultDialTimeout = 500 * time.Millisecond

type ChannelOptions struct {
	DialTimeout time.Duration
	Log         *logrus.Entry
	Metrics     *metrics.Metrics
}

// Channel sends payloads to window endpoints and attaches receivers to
// windows.
type Channel struct {
	dialTimeout time.Duration
	log         *logrus.Entry
	metrics     *metrics.Metrics
}

func NewChannel(opts ChannelOptions) *Channel {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	return &Channel{
		dialTimeout: opts.DialTimeout,
		log:         opts.Log,
		metrics:     opts.Metrics,
	}
}

// Send delivers payload to the window published at target. Failures are
// logged and counted, never returned.
func (c *Channel) Send(target, payload string) {
	log := c.log.WithField("target", target)

	conn, err := Dial(target, c.dialTimeout)
	if err != nil {
		log.WithError(err).Debug("Target window unreachable, dropping payload")
		c.metrics.DeliveriesDropped.Inc()
		return
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(c.dialTimeout))
	if err := writeEnvelope(conn, payload); err != nil {
		log.WithError(err).Debug("Write to target window failed, dropping payload")
		c.metrics.DeliveriesDropped.Inc()
		return
	}
	log.Debug("Payload sent")
}

// RegisterReceiver attaches r to w. If w is not realized yet the
// registration is retried once it is, and behaves the same from then on.
func (c *Channel) RegisterReceiver(w *Window, r Receiver) {
	if w.whenRealized(func() { c.RegisterReceiver(w, r) }) {
		c.log.WithField("window", w.Addr()).Debug("Window not realized, deferring receiver registration")
		return
	}
	w.attach(r)
}

// EndpointAlive reports whether a listener currently accepts at addr.
func EndpointAlive(addr string, timeout time.Duration) bool {
	conn, err := Dial(addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
