package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmilitzer/activation-host/internal/goroutineid"
	"github.com/mmilitzer/activation-host/internal/logging"
)

// readTimeout bounds how long a sender may take to deliver one envelope.
const readTimeout = 5 * time.Second

var ErrWindowDestroyed = errors.New("ipc: window destroyed")

// Receiver is called with every payload delivered to a window.
type Receiver func(payload string)

// WindowName is the endpoint name of the main window of process pid.
func WindowName(appID string, pid int) string {
	return fmt.Sprintf("%s-%d", appID, pid)
}

// Window is the message-receiving surface of a process. It is created by the
// UI shell before it exists on the system and becomes reachable once
// Realize succeeds. Receivers live as long as the window; Destroy ends them.
type Window struct {
	addr string
	log  *logrus.Entry

	mu        sync.Mutex
	ln        net.Listener
	receivers []Receiver
	onRealize []func()
	destroyed bool

	realized chan struct{}
	dispatch sync.Mutex // receivers never run concurrently for one window
	wg       sync.WaitGroup
}

func NewWindow(addr string, log *logrus.Entry) *Window {
	if log == nil {
		log = logging.Discard()
	}
	return &Window{
		addr:     addr,
		log:      log.WithField("window", addr),
		realized: make(chan struct{}),
	}
}

func (w *Window) Addr() string {
	return w.addr
}

// Realized is closed once the window accepts messages.
func (w *Window) Realized() <-chan struct{} {
	return w.realized
}

func (w *Window) IsRealized() bool {
	select {
	case <-w.realized:
		return true
	default:
		return false
	}
}

// Realize publishes the window endpoint. Hooks queued before realization run
// before the first message is accepted. Realizing twice is a no-op.
func (w *Window) Realize() error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrWindowDestroyed
	}
	if w.ln != nil {
		w.mu.Unlock()
		return nil
	}

	ln, err := Listen(w.addr)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("realize window: %w", err)
	}
	w.ln = ln
	hooks := w.onRealize
	w.onRealize = nil
	close(w.realized)
	w.wg.Add(1)
	w.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	go w.serve(ln)

	w.log.Info("Window realized")
	return nil
}

// whenRealized runs fn once the window is realized. It reports false if the
// window is already realized, in which case fn is not queued.
func (w *Window) whenRealized(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ln != nil || w.destroyed {
		return false
	}
	w.onRealize = append(w.onRealize, fn)
	return true
}

func (w *Window) attach(r Receiver) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.destroyed {
		return
	}
	w.receivers = append(w.receivers, r)
}

// Destroy closes the endpoint and drops all receivers. Safe to call more
// than once.
func (w *Window) Destroy() error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return nil
	}
	w.destroyed = true
	w.receivers = nil
	w.onRealize = nil
	ln := w.ln
	w.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	w.wg.Wait()

	w.log.Info("Window destroyed")
	return err
}

func (w *Window) serve(ln net.Listener) {
	defer w.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			w.mu.Lock()
			destroyed := w.destroyed
			w.mu.Unlock()
			if !destroyed {
				w.log.WithError(err).Warn("Accept failed, window stops receiving")
			}
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.handle(conn)
		}()
	}
}

func (w *Window) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	payload, err := readEnvelope(conn)
	if err != nil {
		// Foreign messages and truncated sends are not ours to report.
		w.log.WithError(err).Debug("Ignoring message")
		return
	}

	w.mu.Lock()
	receivers := append([]Receiver(nil), w.receivers...)
	w.mu.Unlock()

	w.dispatch.Lock()
	defer w.dispatch.Unlock()

	w.log.WithFields(logrus.Fields{
		"receivers": len(receivers),
		"goroutine": goroutineid.Get(),
	}).Debug("Dispatching payload")
	for _, r := range receivers {
		r(payload)
	}
}
