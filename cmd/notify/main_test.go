package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmilitzer/activation-host/internal/activator"
	"github.com/mmilitzer/activation-host/internal/events"
)

func TestParseData(t *testing.T) {
	got, err := parseData([]string{"a=1", "b=", "c=x=y"})
	require.NoError(t, err)
	assert.Equal(t, []activator.UserInputData{
		{Key: "a", Value: "1"},
		{Key: "b", Value: ""},
		{Key: "c", Value: "x=y"},
	}, got)

	for _, bad := range []string{"novalue", "=1"} {
		_, err := parseData([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestNotifyActivatesEndpoint(t *testing.T) {
	dir, err := os.MkdirTemp("", "n")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	clsid := uuid.New()
	t.Setenv("ACTHOST_RUNTIME_DIR", dir)
	t.Setenv("ACTHOST_ACTIVATOR_CLSID", clsid.String())

	bus := events.NewBus()
	got := make(chan events.Event, 1)
	bus.Subscribe(func(e events.Event) { got <- e })

	ep := activator.NewEndpoint(activator.EndpointOptions{
		Bus:       bus,
		Registrar: activator.NewSocketRegistrar(dir, 200*time.Millisecond, nil),
		CLSID:     clsid,
	})
	h, err := ep.Register()
	require.NoError(t, err)
	t.Cleanup(func() { ep.Unregister(h) })

	cmd := newNotifyCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"--config", filepath.Join(dir, "absent.toml"),
		"--args", "launch:ok",
		"--data", "a=1", "--data", "b=2",
	})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"launch:ok" (2 pairs)`)

	select {
	case e := <-got:
		assert.Equal(t, "launch:ok", e.Arguments)
		assert.Equal(t, map[string]string{"a": "1", "b": "2"}, e.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("activation not published")
	}
}

func TestNotifyWithoutEndpointFails(t *testing.T) {
	dir, err := os.MkdirTemp("", "n")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("ACTHOST_RUNTIME_DIR", dir)

	cmd := newNotifyCommand()
	cmd.SetArgs([]string{"--config", filepath.Join(dir, "absent.toml"), "--timeout", "100ms"})
	assert.Error(t, cmd.Execute())
}
