//go:build !windows

package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// EndpointAddr returns the address of a named local endpoint. On unix this
// is a socket file inside dir.
func EndpointAddr(dir, name string) string {
	return filepath.Join(dir, name+".sock")
}

// Listen opens a local endpoint, replacing a stale socket file at addr.
// Callers that must not steal a live endpoint check EndpointAlive first.
func Listen(addr string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(addr), 0o700); err != nil {
		return nil, fmt.Errorf("create endpoint dir: %w", err)
	}
	if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale endpoint %s: %w", addr, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	// Another process may replace the socket file after a registration
	// race; only remove it on close while it is still ours.
	ln.SetUnlinkOnClose(false)
	info, err := os.Stat(addr)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("stat %s: %w", addr, err)
	}
	return &unixListener{UnixListener: ln, addr: addr, info: info}, nil
}

type unixListener struct {
	*net.UnixListener
	addr string
	info os.FileInfo
}

func (l *unixListener) Close() error {
	err := l.UnixListener.Close()
	if cur, statErr := os.Stat(l.addr); statErr == nil && os.SameFile(cur, l.info) {
		os.Remove(l.addr)
	}
	return err
}

// Dial connects to a local endpoint.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", addr, timeout)
}

// EndpointExists reports whether something is published at addr. It does
// not prove a listener is still accepting.
func EndpointExists(addr string) bool {
	info, err := os.Stat(addr)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSocket != 0
}
