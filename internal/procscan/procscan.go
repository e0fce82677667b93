// Package procscan inspects the live process table for other instances of
// this application. Results are valid for one discovery pass only: a process
// can publish its window right after it was looked at.
package procscan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/mmilitzer/activation-host/internal/ipc"
	"github.com/mmilitzer/activation-host/internal/logging"
	"github.com/mmilitzer/activation-host/internal/metrics"
)

// State separates processes we could look at from those we could not.
type State int

const (
	NotInspectable State = iota
	Inspectable
)

func (s State) String() string {
	if s == Inspectable {
		return "inspectable"
	}
	return "not-inspectable"
}

// Identity is one process as seen during a discovery pass.
type Identity struct {
	PID   int32
	State State
	// Path is the executable path. Set when Inspectable.
	Path string
	// Window is the main-window endpoint address, empty when the process
	// has none. Only probed for processes running our executable.
	Window string
	// Err says why the process could not be inspected.
	Err error
}

func (i Identity) HasWindow() bool {
	return i.Window != ""
}

// IsPrimaryOf reports whether i runs exe and currently exposes a main window.
func (i Identity) IsPrimaryOf(exe string) bool {
	return i.State == Inspectable && i.HasWindow() && SamePath(i.Path, exe)
}

// Candidate is a process-table entry that may or may not be inspectable.
type Candidate interface {
	PID() int32
	Exe(ctx context.Context) (string, error)
}

// Lister enumerates the process table.
type Lister interface {
	List(ctx context.Context) ([]Candidate, error)
}

// SystemLister lists processes through gopsutil.
type SystemLister struct{}

func (SystemLister) List(ctx context.Context) ([]Candidate, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(procs))
	for i, p := range procs {
		out[i] = systemProcess{p}
	}
	return out, nil
}

type systemProcess struct {
	p *process.Process
}

func (s systemProcess) PID() int32 { return s.p.Pid }

func (s systemProcess) Exe(ctx context.Context) (string, error) {
	return s.p.ExeWithContext(ctx)
}

type Options struct {
	AppID      string
	RuntimeDir string
	// SelfPID is skipped during scans. Defaults to os.Getpid().
	SelfPID int32

	Lister       Lister
	WindowExists func(addr string) bool

	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Scanner discovers instances of the application.
type Scanner struct {
	opts Options
	log  *logrus.Entry
}

func NewScanner(opts Options) *Scanner {
	if opts.SelfPID == 0 {
		opts.SelfPID = int32(os.Getpid())
	}
	if opts.Lister == nil {
		opts.Lister = SystemLister{}
	}
	if opts.WindowExists == nil {
		opts.WindowExists = ipc.EndpointExists
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	return &Scanner{opts: opts, log: opts.Log}
}

// WindowAddr is where process pid publishes its main window.
func (s *Scanner) WindowAddr(pid int32) string {
	return ipc.EndpointAddr(s.opts.RuntimeDir, ipc.WindowName(s.opts.AppID, int(pid)))
}

// Scan inspects every process except this one. A failure to list the table
// yields an empty result; a failure to inspect one process marks only that
// process NotInspectable.
func (s *Scanner) Scan(ctx context.Context, exe string) []Identity {
	candidates, err := s.opts.Lister.List(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Process enumeration failed, assuming no other instance")
		return nil
	}

	out := make([]Identity, 0, len(candidates))
	for _, c := range candidates {
		if c.PID() == s.opts.SelfPID {
			continue
		}
		id := s.inspect(ctx, c, exe)
		if id.State == NotInspectable {
			s.opts.Metrics.UninspectableProcesses.Inc()
		}
		out = append(out, id)
	}
	return out
}

// FindPrimary returns the primary instance of exe, if any.
func (s *Scanner) FindPrimary(ctx context.Context, exe string) (Identity, bool) {
	for _, id := range s.Scan(ctx, exe) {
		if id.IsPrimaryOf(exe) {
			return id, true
		}
	}
	return Identity{}, false
}

func (s *Scanner) inspect(ctx context.Context, c Candidate, exe string) (id Identity) {
	id = Identity{PID: c.PID(), State: NotInspectable}

	// Platform process APIs can fail in odd ways for processes owned by
	// other users or exiting mid-enumeration.
	defer func() {
		if r := recover(); r != nil {
			id = Identity{PID: c.PID(), State: NotInspectable, Err: fmt.Errorf("inspect panicked: %v", r)}
		}
	}()

	path, err := c.Exe(ctx)
	if err != nil || path == "" {
		id.Err = err
		return id
	}

	id.State = Inspectable
	id.Path = path
	if SamePath(path, exe) {
		if addr := s.WindowAddr(id.PID); s.opts.WindowExists(addr) {
			id.Window = addr
		}
	}
	return id
}

// SelfExecutable returns the resolved path of the running executable.
func SelfExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe, nil
}

// SamePath compares executable paths the way the host filesystem does.
func SamePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
