// Package goroutineid identifies the goroutine an external entry point was
// delivered on. Activation calls and forwarded payloads arrive on goroutines
// this process did not start, and logging which one helps when a handler
// blocks or races with startup.
package goroutineid

import (
	"bytes"
	"runtime"
	"strconv"
)

var prefix = []byte("goroutine ")

// Get returns the goroutine ID of the caller, or 0 if the stack header
// cannot be parsed.
func Get() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// Stack trace format: "goroutine 123 [running]:\n..."
	b = bytes.TrimPrefix(b, prefix)
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
