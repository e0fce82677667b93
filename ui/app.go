// Package ui is the headless shell of the host. It stands in for the window
// surface: it subscribes to activation events and keeps a log of what the
// user would see.
package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmilitzer/activation-host/internal/events"
	"github.com/mmilitzer/activation-host/internal/logging"
)

// timeLayout prefixes every log line with the local time it was shown.
const timeLayout = "2006-01-02 15:04:05"

// queueSize bounds events waiting for the shell loop. Events beyond it are
// dropped rather than blocking the publisher.
const queueSize = 64

type App struct {
	bus   *events.Bus
	token events.Token
	queue chan events.Event
	log   *logrus.Entry
	now   func() time.Time

	mu    sync.Mutex
	lines []string
}

type Option func(*App)

// WithClock replaces time.Now for the line timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// NewApp subscribes to bus. Events are rendered on the goroutine running
// Run, never on the publisher's.
func NewApp(bus *events.Bus, opts ...Option) *App {
	a := &App{
		bus:   bus,
		queue: make(chan events.Event, queueSize),
		log:   logging.For("ui"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.token = bus.Subscribe(a.enqueue)
	return a
}

func (a *App) enqueue(e events.Event) {
	select {
	case a.queue <- e:
	default:
		a.log.WithField("event", e.String()).Warn("Shell busy, activation dropped")
	}
}

// Run is the shell loop. It returns when ctx is done.
func (a *App) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.queue:
			a.show(e)
		}
	}
}

func (a *App) show(e events.Event) {
	line := fmt.Sprintf("(%s) %s", a.now().Format(timeLayout), Render(e))
	a.mu.Lock()
	a.lines = append(a.lines, line)
	a.mu.Unlock()
	a.log.Info(line)
}

// Latest returns the last shown line, or "" before the first activation.
func (a *App) Latest() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.lines) == 0 {
		return ""
	}
	return a.lines[len(a.lines)-1]
}

// Lines returns every line rendered so far, oldest first.
func (a *App) Lines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lines...)
}

// Close stops receiving events.
func (a *App) Close() {
	a.bus.Unsubscribe(a.token)
}

// Render formats one activation the way the shell displays it, keys sorted.
func Render(e events.Event) string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s received > '%s'", e.Source, e.Arguments)
	for _, k := range keys {
		fmt.Fprintf(&b, " & '%s' : '%s'", k, e.Data[k])
	}
	return b.String()
}
