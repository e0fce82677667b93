package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmilitzer/activation-host/internal/activator"
	"github.com/mmilitzer/activation-host/internal/events"
	"github.com/mmilitzer/activation-host/internal/instance"
	"github.com/mmilitzer/activation-host/internal/ipc"
	"github.com/mmilitzer/activation-host/internal/procscan"
	"github.com/mmilitzer/activation-host/pkg/config"
)

type emptyLister struct{}

func (emptyLister) List(context.Context) ([]procscan.Candidate, error) { return nil, nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "d")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Defaults()
	cfg.RuntimeDir = dir
	cfg.ActivatorCLSID = uuid.NewString()
	cfg.SelfDeliveryTimeout = config.Duration{Duration: 2 * time.Second}
	return cfg
}

func newDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(Options{
		Config:     cfg,
		Registry:   prometheus.NewRegistry(),
		Lister:     emptyLister{},
		Executable: "/opt/activation-host/bin/activation-host",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Shutdown()
		d.WaitForShutdown()
	})
	return d
}

func collect(bus *events.Bus) <-chan events.Event {
	ch := make(chan events.Event, 8)
	bus.Subscribe(func(e events.Event) { ch <- e })
	return ch
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no event published")
		return events.Event{}
	}
}

func TestNotificationActivationReachesSubscriber(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg)

	require.Equal(t, instance.Primary, d.Claim(context.Background(), nil).Role)
	got := collect(d.Bus())
	require.NoError(t, d.Start(context.Background()))
	require.True(t, d.OwnsActivation())

	client, err := activator.Dial(cfg.RuntimeDir, cfg.CLSID(), time.Second)
	require.NoError(t, err)
	defer client.Close()

	data := []activator.UserInputData{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}
	require.NoError(t, client.Activate("ActivationHost", "launch:ok", data, 2))

	e := next(t, got)
	assert.Equal(t, events.SourceNotification, e.Source)
	assert.Equal(t, "launch:ok", e.Arguments)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, e.Data)
}

func TestDeepLinkLaunchDeliversToOwnWindow(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg)

	res := d.Claim(context.Background(), []string{"ActivationHost:open"})
	require.Equal(t, instance.Primary, res.Role)

	got := collect(d.Bus())
	require.NoError(t, d.Start(context.Background()))

	e := next(t, got)
	assert.Equal(t, events.SourceDeepLink, e.Source)
	assert.Equal(t, "ActivationHost:open", e.Arguments)
	assert.Empty(t, e.Data)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics().EventsPublished.WithLabelValues("deeplink")))
}

func TestForwardedDeepLinkIsPublished(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg)
	got := collect(d.Bus())
	require.NoError(t, d.Start(context.Background()))

	ch := ipc.NewChannel(ipc.ChannelOptions{})
	ch.Send(d.Window().Addr(), "activationhost:from-peer")

	e := next(t, got)
	assert.Equal(t, "activationhost:from-peer", e.Arguments)
}

func TestSecondProcessRunsWithoutActivation(t *testing.T) {
	cfg := testConfig(t)
	first := newDaemon(t, cfg)
	require.NoError(t, first.Start(context.Background()))
	require.True(t, first.OwnsActivation())

	other := *cfg
	other.AppID = "ActivationHostB"
	second := newDaemon(t, &other)
	require.NoError(t, second.Start(context.Background()))
	assert.False(t, second.OwnsActivation())
}

func TestShutdownRevokesRegistration(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg)
	got := collect(d.Bus())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	cancel()
	require.True(t, d.WaitForShutdown())

	assert.False(t, d.OwnsActivation())
	_, err := activator.Dial(cfg.RuntimeDir, cfg.CLSID(), 200*time.Millisecond)
	assert.Error(t, err)
	assert.False(t, ipc.EndpointAlive(d.Window().Addr(), 200*time.Millisecond))
	assert.Zero(t, d.Bus().Len())

	select {
	case e := <-got:
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestStartTwiceFails(t *testing.T) {
	d := newDaemon(t, testConfig(t))
	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))
}
