// Package session implements the per-connection state machine of
// spec §4.4: one Session owns one socket, sequences all of its work
// through a reactor.Strand, forwards inbound bytes to its
// runner.Runner, arms the per-child timeout, and writes results back
// to the client.
//
// Grounded on the original Session.h/Session.cpp's strand_.wrap
// pattern (every handler — read, write, timer-fire, child-exit —
// re-enters through the same serialization primitive) and on the
// teacher's cmd/snellerd/handler_query.go for the uuid.New() session
// identifier used in log lines.
package session

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/svartmetal/remote-runnerd/internal/dispatcher"
	"github.com/svartmetal/remote-runnerd/internal/reactor"
	"github.com/svartmetal/remote-runnerd/internal/runner"
	"github.com/svartmetal/remote-runnerd/internal/whitelist"
)

const readBufSize = 4096

// Session is one client connection. Everything that mutates its
// runner or writes to its socket runs as a job on its strand; the
// only goroutine that does not is the dedicated reader started by
// Start, which posts jobs, never touches runner state directly, and
// closes conn (via release) once Read fails.
type Session struct {
	id      string
	conn    net.Conn
	disp    *dispatcher.Dispatcher
	strand  *reactor.Strand
	runner  *runner.Runner
	timeout time.Duration
	logger  *log.Logger

	timerMu sync.Mutex
	timer   *time.Timer

	writeMu sync.Mutex
}

// New constructs a Session for an already-accepted conn. store and
// disp are shared across every session the server owns; pool backs
// this session's private Strand.
func New(conn net.Conn, store *whitelist.Store, disp *dispatcher.Dispatcher, pool *reactor.Pool, timeout time.Duration, logger *log.Logger) *Session {
	s := &Session{
		id:      uuid.New().String(),
		conn:    conn,
		disp:    disp,
		strand:  reactor.NewStrand(pool),
		timeout: timeout,
		logger:  logger,
	}
	s.runner = runner.New(store, disp, s)
	return s
}

// ID returns the session's identifier, stable for its lifetime.
func (s *Session) ID() string { return s.id }

// SetAuditFn installs fn to be called with this session's id and the
// text of every command popped off its queue, whether or not the
// command is ultimately resolvable. It backs the optional audit trail
// (internal/audit); a nil fn (the default) disables it entirely with
// no cost beyond the nil check already inside runner.Runner.
func (s *Session) SetAuditFn(fn func(sessionID, command string)) {
	if fn == nil {
		s.runner.SetOnCommand(nil)
		return
	}
	s.runner.SetOnCommand(func(command string) {
		fn(s.id, command)
	})
}

// Start launches the session's reader goroutine. The reader performs
// the only blocking operation a Session does outside of its strand:
// conn.Read. Everything the bytes it reads trigger is posted to the
// strand instead of run inline, keeping the "no two callbacks for one
// session running at once" contract regardless of which pool worker
// ends up executing them.
func (s *Session) Start() {
	go s.readLoop()
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.strand.Post(func() {
				s.runner.CommitData(data)
				s.attemptLaunch()
			})
		}
		if err != nil {
			s.release()
			return
		}
	}
}

// attemptLaunch runs on the strand: it asks the runner to launch the
// head of its queue and reacts per spec §4.4's state table.
func (s *Session) attemptLaunch() {
	status := s.runner.AttemptLaunch()
	if status.Launched {
		s.armTimer(status.TaskID)
		return
	}
	if status.Attempted {
		s.writeServerString("Invalid command\n")
	}
}

// armTimer schedules a kill for taskID after the session's timeout.
// The fired callback re-enters through the strand and checks taskID
// against the runner's current generation before doing anything — the
// sole defense spec §5 names against "timer fires on next generation".
func (s *Session) armTimer(taskID uint64) {
	s.cancelTimer()
	timer := time.AfterFunc(s.timeout, func() {
		s.strand.Post(func() {
			s.runner.KillTask(taskID)
		})
	})
	s.timerMu.Lock()
	s.timer = timer
	s.timerMu.Unlock()
}

func (s *Session) cancelTimer() {
	s.timerMu.Lock()
	timer := s.timer
	s.timer = nil
	s.timerMu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// NotifyChildExit implements dispatcher.ChildExitNotifiable. It is
// called directly by the dispatcher, outside any lock of its own
// (spec §9's "Pid reuse race": the map entry is already erased by the
// time this runs), so the first thing it does is hop onto the
// session's own strand before touching any runner state.
func (s *Session) NotifyChildExit(status dispatcher.ExitStatus) {
	s.strand.Post(func() {
		s.handleChildExit(status)
	})
}

func (s *Session) handleChildExit(status dispatcher.ExitStatus) {
	s.cancelTimer()
	result := s.runner.WriteExecutionResult(status)
	s.writeBanner(result)
	// A pipelined write delivering "echo one\necho two\n" in one
	// CommitData call only ever enqueues "echo one" (see
	// runner.Runner.CommitData); "echo two" is left sitting in the
	// runner's inbound buffer behind its own newline. Re-running
	// CommitData with no new bytes re-extracts it now that the queue
	// has drained. This happens only here, on child exit: a buffered
	// command behind a blank line or an invalid command stays in the
	// buffer until the next read delivers more bytes.
	s.runner.CommitData(nil)
	s.attemptLaunch()
}

// writeBanner implements spec §4.4's "Write banner" / §6's wire
// format exactly, including the trailing NUL on server-generated
// lines (see DESIGN.md open question 3) and the absence of one on raw
// child output.
func (s *Session) writeBanner(result runner.Result) {
	if result.ExitCode == 0 && !result.Signaled {
		s.writeServerString("Execution is successful\n")
	} else {
		s.writeServerString(fmt.Sprintf("Execution error. Exit code: %d\n", result.ExitCode))
	}
	s.writeServerString("*** STDOUT ***\n")
	s.writeRaw(result.Stdout)
	s.writeServerString("*** STDERR ***\n")
	s.writeRaw(result.Stderr)
}

// writeServerString writes a server-generated line followed by a
// trailing NUL byte, matching the original's C-string length+1 write.
func (s *Session) writeServerString(line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.conn, line); err != nil {
		s.logf("session %s: write error: %v", s.id, err)
		return
	}
	if _, err := s.conn.Write([]byte{0}); err != nil {
		s.logf("session %s: write error: %v", s.id, err)
	}
}

// writeRaw writes raw child output verbatim, with no trailing NUL.
func (s *Session) writeRaw(data []byte) {
	if len(data) == 0 {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(data); err != nil {
		s.logf("session %s: write error: %v", s.id, err)
	}
}

// release is called once the socket has errored or reached EOF. Per
// spec §7, an in-flight child is left to run to completion; its
// eventual NotifyChildExit still fires, drains the pipes, and then
// harmlessly fails to write to a closed conn (logged, not fatal).
func (s *Session) release() {
	s.cancelTimer()
	s.conn.Close()
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
