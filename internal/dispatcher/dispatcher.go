//go:build !windows

// Package dispatcher routes SIGCHLD notifications to the session that
// owns the exiting child's pid. It is the server-wide component named
// in spec §4.5: a single pid -> owner map, guarded by a mutex that is
// never held while an owner's callback runs, so that the owner is
// always notified with the map lock already released (the "pid reuse
// race" in spec §9: the OS may recycle a pid for a freshly forked
// child the instant waitpid() reaps the old one).
//
// Grounded on tenant/manager.go's m.lock-guarded m.live map and its
// per-child reap() goroutine, generalized here into the explicit
// SIGCHLD + non-blocking Wait4 sweep spec §4.5/§9 call for ("the OS
// may coalesce multiple child-exit signals into one delivery").
package dispatcher

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitStatus is the decoded result of reaping a child, resolving the
// "wait-status handling" open question in spec §9 explicitly rather
// than surfacing the raw wait(2) status.
type ExitStatus struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

func decode(ws syscall.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{ExitCode: 128 + int(ws.Signal()), Signaled: true, Signal: ws.Signal()}
	}
	return ExitStatus{ExitCode: ws.ExitStatus()}
}

// ChildExitNotifiable is the narrow capability spec §9's "Polymorphic
// session dispatch" redesign flag asks for, replacing the original
// BaseSession inheritance hierarchy with a single-method interface.
// The dispatcher's map holds these, never a concrete session type.
type ChildExitNotifiable interface {
	NotifyChildExit(ExitStatus)
}

// Dispatcher owns the pid -> session map and the SIGCHLD signal
// handler. One Dispatcher serves the whole daemon.
type Dispatcher struct {
	logger *log.Logger

	mu   sync.Mutex
	live map[int]ChildExitNotifiable

	sigCh chan os.Signal
	done  chan struct{}
	wg    sync.WaitGroup
}

// New returns a Dispatcher holding logger (which may be nil). A Wait4
// error, including ECHILD when no child is left, ends the current
// drain sweep without being logged.
func New(logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		live:   make(map[int]ChildExitNotifiable),
		sigCh:  make(chan os.Signal, 1),
		done:   make(chan struct{}),
	}
}

// Register records that pid belongs to n. It must be called only once
// per pid, immediately after the child is known to have started, and
// before the caller can observe the child exit by any other means.
func (d *Dispatcher) Register(pid int, n ChildExitNotifiable) {
	d.mu.Lock()
	d.live[pid] = n
	d.mu.Unlock()
}

// Launch runs start — which must fork/exec a child and return its pid
// — with the dispatcher's map lock held, and registers the returned
// pid to n before releasing that lock. This closes the race where a
// fast-exiting child (an "echo hello", a "false") is reaped by drain's
// WNOHANG sweep on another goroutine between the moment start()
// forks it and the moment the caller would otherwise have called
// Register: with the lock held across both steps, dispatch's map
// lookup for that pid cannot run until the registration is already
// in place, so the notification is never silently dropped and a
// stale pid never lingers for a later KillTask to signal after reuse.
func (d *Dispatcher) Launch(n ChildExitNotifiable, start func() (int, error)) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pid, err := start()
	if err != nil {
		return 0, err
	}
	d.live[pid] = n
	return pid, nil
}

// Start installs the SIGCHLD handler and begins draining reapable
// children in a background goroutine. Run Stop to undo this.
func (d *Dispatcher) Start() {
	signal.Notify(d.sigCh, syscall.SIGCHLD)
	d.wg.Add(1)
	go d.loop()
}

// Stop stops the signal handler and waits for the drain goroutine to
// exit. Live children are not killed; per spec §7 they are left to
// the OS.
func (d *Dispatcher) Stop() {
	signal.Stop(d.sigCh)
	close(d.done)
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.sigCh:
			d.drain()
		case <-d.done:
			return
		}
	}
}

// drain reaps every currently-reapable child in a loop, per spec
// §4.5/§9: "the OS may coalesce multiple child-exit signals into one
// delivery, so the handler must drain all currently reapable
// children."
func (d *Dispatcher) drain() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		d.dispatch(pid, syscall.WaitStatus(ws))
	}
}

func (d *Dispatcher) dispatch(pid int, ws syscall.WaitStatus) {
	d.mu.Lock()
	n, ok := d.live[pid]
	if ok {
		// Erase before notifying: spec §9's "Pid reuse race" means a
		// subsequent fork may reuse pid before the notification runs.
		delete(d.live, pid)
	}
	d.mu.Unlock()
	if !ok {
		// No session is waiting on this pid; it may already have
		// cleaned up. Nothing to do.
		return
	}
	n.NotifyChildExit(decode(ws))
}
