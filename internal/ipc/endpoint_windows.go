//go:build windows

package ipc

import (
	"fmt"
	"net"
	"time"

	winio "github.com/Microsoft/go-winio"
)

const existsProbeTimeout = 50 * time.Millisecond

// EndpointAddr returns the address of a named local endpoint. On Windows
// this is a named pipe; dir is not used.
func EndpointAddr(_ string, name string) string {
	return `\\.\pipe\` + name
}

// Listen opens a named pipe endpoint. The pipe disappears with the process,
// so there is nothing stale to replace.
func Listen(addr string) (net.Listener, error) {
	ln, err := winio.ListenPipe(addr, &winio.PipeConfig{})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// Dial connects to a named pipe endpoint.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(addr, &timeout)
}

// EndpointExists reports whether a pipe server answers at addr.
func EndpointExists(addr string) bool {
	conn, err := Dial(addr, existsProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
