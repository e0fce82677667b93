package activator

import (
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"

	"github.com/mmilitzer/activation-host/internal/ipc"
	"github.com/mmilitzer/activation-host/internal/logging"
)

// serviceName is the RPC service the notification manager calls into.
const serviceName = "NotificationActivator"

// Handle identifies one registration. The zero Handle is never issued.
type Handle struct {
	cookie uint32
}

func (h Handle) IsZero() bool {
	return h.cookie == 0
}

// Registrar is the platform facility that makes a Callback reachable from
// other processes under a class id.
type Registrar interface {
	Register(clsid uuid.UUID, cb Callback) (Handle, error)
	// Revoke ends a registration. Revoking an unknown or already revoked
	// handle is a no-op.
	Revoke(h Handle) error
}

// Addr is the endpoint address of the registration for clsid.
func Addr(dir string, clsid uuid.UUID) string {
	return ipc.EndpointAddr(dir, "activator-"+clsid.String())
}

// lockPath is the file whose exclusive lock marks the owner of clsid. The
// lock is held for the life of the registration and released by the OS
// when the owner dies.
func lockPath(dir string, clsid uuid.UUID) string {
	return filepath.Join(dir, "activator-"+clsid.String()+".lock")
}

// ActivateArgs carries the four fields of an activation call.
type ActivateArgs struct {
	AppUserModelID string
	InvokedArgs    string
	Data           []UserInputData
	DataCount      uint32
}

// ActivateReply acknowledges that the call reached the endpoint. It says
// nothing about whether anybody consumed the event.
type ActivateReply struct {
	Accepted bool
}

// rpcActivator exposes a Callback over net/rpc. It must keep exactly one
// exported method.
type rpcActivator struct {
	cb Callback
}

func (a *rpcActivator) Activate(args *ActivateArgs, reply *ActivateReply) error {
	a.cb.Activate(args.AppUserModelID, args.InvokedArgs, args.Data, args.DataCount)
	reply.Accepted = true
	return nil
}

// SocketRegistrar serves registrations on local endpoints: each accepted
// connection becomes a yamux session, each stream an RPC connection.
type SocketRegistrar struct {
	dir          string
	probeTimeout time.Duration
	log          *logrus.Entry

	mu   sync.Mutex
	next uint32
	regs map[uint32]*registration
}

func NewSocketRegistrar(dir string, probeTimeout time.Duration, log *logrus.Entry) *SocketRegistrar {
	if log == nil {
		log = logging.Discard()
	}
	return &SocketRegistrar{
		dir:          dir,
		probeTimeout: probeTimeout,
		log:          log,
		regs:         make(map[uint32]*registration),
	}
}

func (r *SocketRegistrar) Register(clsid uuid.UUID, cb Callback) (Handle, error) {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	// The liveness check and the bind below only run while holding the lock, so two
	// processes can never both find the endpoint dead and bind it.
	lock, err := lockExclusive(lockPath(r.dir, clsid))
	if errors.Is(err, errLocked) {
		return Handle{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, clsid)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("%w: lock: %v", ErrRegistrationFailed, err)
	}

	addr := Addr(r.dir, clsid)
	if ipc.EndpointAlive(addr, r.probeTimeout) {
		unlockFile(lock)
		return Handle{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, clsid)
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName(serviceName, &rpcActivator{cb: cb}); err != nil {
		unlockFile(lock)
		return Handle{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	ln, err := ipc.Listen(addr)
	if err != nil {
		unlockFile(lock)
		return Handle{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	reg := &registration{
		ln:       ln,
		lock:     lock,
		srv:      srv,
		log:      r.log.WithField("endpoint", addr),
		sessions: make(map[*yamux.Session]struct{}),
	}

	r.mu.Lock()
	r.next++
	h := Handle{cookie: r.next}
	r.regs[h.cookie] = reg
	r.mu.Unlock()

	reg.wg.Add(1)
	go reg.serve()

	return h, nil
}

func (r *SocketRegistrar) Revoke(h Handle) error {
	if h.IsZero() {
		return nil
	}

	r.mu.Lock()
	reg, ok := r.regs[h.cookie]
	delete(r.regs, h.cookie)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return reg.close()
}

type registration struct {
	ln   net.Listener
	lock *os.File
	srv  *rpc.Server
	log  *logrus.Entry

	mu       sync.Mutex
	closed   bool
	sessions map[*yamux.Session]struct{}
	wg       sync.WaitGroup
}

func (reg *registration) serve() {
	defer reg.wg.Done()

	for {
		conn, err := reg.ln.Accept()
		if err != nil {
			return
		}

		session, err := yamux.Server(conn, yamuxConfig(reg.log))
		if err != nil {
			reg.log.WithError(err).Warn("Creating session failed")
			conn.Close()
			continue
		}

		reg.mu.Lock()
		if reg.closed {
			reg.mu.Unlock()
			session.Close()
			return
		}
		reg.sessions[session] = struct{}{}
		reg.wg.Add(1)
		reg.mu.Unlock()

		go reg.serveSession(session)
	}
}

func (reg *registration) serveSession(session *yamux.Session) {
	defer reg.wg.Done()
	defer func() {
		reg.mu.Lock()
		delete(reg.sessions, session)
		reg.mu.Unlock()
		session.Close()
	}()

	for {
		stream, err := session.Accept()
		if err != nil {
			return
		}
		go reg.srv.ServeConn(stream)
	}
}

func (reg *registration) close() error {
	reg.mu.Lock()
	reg.closed = true
	sessions := make([]*yamux.Session, 0, len(reg.sessions))
	for s := range reg.sessions {
		sessions = append(sessions, s)
	}
	reg.mu.Unlock()

	err := reg.ln.Close()
	for _, s := range sessions {
		s.Close()
	}
	reg.wg.Wait()

	if uerr := unlockFile(reg.lock); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// logWriter turns yamux's standard-library log lines into debug entries.
type logWriter struct {
	log *logrus.Entry
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Debug(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// yamuxConfig routes session logging through log. yamux accepts either
// Logger or LogOutput, never both.
func yamuxConfig(log *logrus.Entry) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = stdlog.New(logWriter{log: log}, "", 0)
	return cfg
}
