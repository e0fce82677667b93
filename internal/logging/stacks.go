package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"
)

// WriteStackDump writes every goroutine stack to a timestamped file in dir
// and returns its path.
func WriteStackDump(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create dump dir: %w", err)
	}
	filename := filepath.Join(dir, fmt.Sprintf("stacks-signal-%s.log", time.Now().Format("20060102-150405.000")))

	f, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("create stack file: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "Activation Host Stack Dump\n")
	fmt.Fprintf(f, "Generated: %s\n\n", time.Now().Format(time.RFC3339))

	// Write all goroutine stacks (verbose mode with 2)
	profile := pprof.Lookup("goroutine")
	if profile == nil {
		return "", fmt.Errorf("goroutine profile not available")
	}
	if err := profile.WriteTo(f, 2); err != nil {
		return "", fmt.Errorf("write goroutine profile: %w", err)
	}
	return filename, nil
}
