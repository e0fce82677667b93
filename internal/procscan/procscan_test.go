package procscan

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmilitzer/activation-host/internal/metrics"
)

const exe = "/opt/activation-host/bin/activation-host"

type fakeProc struct {
	pid   int32
	exe   string
	err   error
	panic bool
}

func (f fakeProc) PID() int32 { return f.pid }

func (f fakeProc) Exe(context.Context) (string, error) {
	if f.panic {
		panic("process vanished")
	}
	return f.exe, f.err
}

type fakeLister struct {
	procs []Candidate
	err   error
}

func (f fakeLister) List(context.Context) ([]Candidate, error) { return f.procs, f.err }

func newTestScanner(t *testing.T, lister Lister, windows map[int32]bool) (*Scanner, *metrics.Metrics) {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	var s *Scanner
	s = NewScanner(Options{
		AppID:      "TestApp",
		RuntimeDir: "/run/test",
		SelfPID:    1,
		Lister:     lister,
		WindowExists: func(addr string) bool {
			for pid, ok := range windows {
				if ok && s.WindowAddr(pid) == addr {
					return true
				}
			}
			return false
		},
		Metrics: m,
	})
	return s, m
}

func TestFindPrimary(t *testing.T) {
	lister := fakeLister{procs: []Candidate{
		fakeProc{pid: 1, exe: exe},                          // ourselves
		fakeProc{pid: 10, exe: "/usr/bin/other"},            // different program
		fakeProc{pid: 11, exe: exe},                         // our program, no window yet
		fakeProc{pid: 12, err: errors.New("access denied")}, // other user's process
		fakeProc{pid: 13, panic: true},                      // exited mid-enumeration
		fakeProc{pid: 14, exe: exe},                         // the primary
	}}
	s, m := newTestScanner(t, lister, map[int32]bool{10: true, 14: true})

	primary, ok := s.FindPrimary(context.Background(), exe)
	require.True(t, ok)
	assert.Equal(t, int32(14), primary.PID)
	assert.Equal(t, s.WindowAddr(14), primary.Window)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UninspectableProcesses))
}

func TestScanClassifiesProcesses(t *testing.T) {
	lister := fakeLister{procs: []Candidate{
		fakeProc{pid: 11, exe: exe},
		fakeProc{pid: 12, err: errors.New("access denied")},
		fakeProc{pid: 13, panic: true},
		fakeProc{pid: 15, exe: ""},
	}}
	s, _ := newTestScanner(t, lister, nil)

	ids := s.Scan(context.Background(), exe)
	require.Len(t, ids, 4)

	assert.Equal(t, Inspectable, ids[0].State)
	assert.False(t, ids[0].HasWindow())
	assert.False(t, ids[0].IsPrimaryOf(exe))

	assert.Equal(t, NotInspectable, ids[1].State)
	assert.EqualError(t, ids[1].Err, "access denied")

	assert.Equal(t, NotInspectable, ids[2].State)
	assert.ErrorContains(t, ids[2].Err, "panicked")

	assert.Equal(t, NotInspectable, ids[3].State)
}

func TestEnumerationFailureMeansNoPrimary(t *testing.T) {
	s, _ := newTestScanner(t, fakeLister{err: errors.New("no /proc")}, nil)

	_, ok := s.FindPrimary(context.Background(), exe)
	assert.False(t, ok)
}

func TestSystemListerSeesCurrentProcess(t *testing.T) {
	procs, err := SystemLister{}.List(context.Background())
	require.NoError(t, err)

	self := int32(os.Getpid())
	for _, p := range procs {
		if p.PID() == self {
			path, err := p.Exe(context.Background())
			require.NoError(t, err)
			want, err := SelfExecutable()
			require.NoError(t, err)
			assert.True(t, SamePath(path, want), "%s != %s", path, want)
			return
		}
	}
	t.Fatalf("pid %d not listed", self)
}
