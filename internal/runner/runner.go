//go:build !windows

// Package runner implements the per-session child runner of spec
// §4.3: it owns one session's command queue, launches at most one
// child process at a time, captures its output, and exposes the
// launch/result/kill operations the owning session drives.
//
// Grounded on tenant/manager.go's child/Manager split (queue, launch,
// drain, reap as separate concerns joined by a mutex-guarded struct)
// and cmd/snellerd/peercmd.go's os/exec + exec.ExitError idiom for
// surfacing a child's exit status to a caller.
package runner

import (
	"bytes"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/svartmetal/remote-runnerd/internal/dispatcher"
	"github.com/svartmetal/remote-runnerd/internal/whitelist"
)

// noPID is the sentinel spec §3 calls "none".
const noPID = -1

// Result is what WriteExecutionResult hands back to the session: the
// captured output (never interleaved, per spec §4.3's "Output drain")
// and the decoded exit status (spec §9's explicit exited/killed
// resolution of the wait-status open question).
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

// Status mirrors ProcessRunner::AttemptStatus from the original
// source: what AttemptLaunch did, and the task id now current.
type Status struct {
	Attempted bool
	Launched  bool
	TaskID    uint64
}

// Runner is the child runner for exactly one session.
type Runner struct {
	store *whitelist.Store
	disp  *dispatcher.Dispatcher
	owner dispatcher.ChildExitNotifiable

	// inbound is touched only through CommitData, which the owning
	// session calls only from jobs on its strand; it needs no lock of
	// its own.
	inbound []byte

	// mu guards everything below, independent of whatever
	// serialization the caller (normally the session's strand)
	// already provides — spec §4.2 calls out that "the child runner
	// uses an additional internal lock to coordinate with the
	// signal-dispatcher thread, because signal delivery is not
	// strand-bound."
	mu      sync.Mutex
	queue   []string
	running bool
	cmd     *exec.Cmd
	pid     int
	taskID  uint64
	stdout  io.ReadCloser
	stderr  io.ReadCloser

	// onCommand, if set, is called with every command popped off the
	// queue, before it is resolved against the whitelist — the hook
	// internal/audit uses to record attempted commands regardless of
	// whether the whitelist lookup ultimately succeeds.
	onCommand func(string)
}

// SetOnCommand installs fn as the runner's command-observed hook. It
// is not safe to call concurrently with AttemptLaunch.
func (r *Runner) SetOnCommand(fn func(string)) {
	r.onCommand = fn
}

// New returns a Runner that resolves commands against store, launches
// children tracked by disp, and registers owner as the notification
// target for the pid it launches.
func New(store *whitelist.Store, disp *dispatcher.Dispatcher, owner dispatcher.ChildExitNotifiable) *Runner {
	return &Runner{
		store: store,
		disp:  disp,
		owner: owner,
		pid:   noPID,
	}
}

// CommitData appends data to the inbound buffer. If the buffer now
// contains a newline, the prefix up to (and including) it is removed,
// trimmed, and — if non-empty — enqueued as a command. Any bytes
// after that first newline remain buffered for the next call.
//
// This implements the "one command enqueued per call" resolution of
// spec §9's commit_data open question (matching the original source
// literally): a call whose argument contains multiple newlines
// enqueues at most one command. The session calls CommitData(nil)
// and AttemptLaunch again on every child exit, which extracts the next
// buffered command; a buffered command that follows a blank line or an
// invalid command is not extracted until more bytes arrive.
func (r *Runner) CommitData(data []byte) {
	r.inbound = append(r.inbound, data...)
	idx := bytes.IndexByte(r.inbound, '\n')
	if idx < 0 {
		return
	}
	cmd := strings.TrimSpace(string(r.inbound[:idx]))
	rest := append([]byte(nil), r.inbound[idx+1:]...)
	r.inbound = rest
	if cmd == "" {
		return
	}
	r.mu.Lock()
	r.queue = append(r.queue, cmd)
	r.mu.Unlock()
}

// tokenize splits cmd on runs of space or tab, per spec §3's
// "Tokenization" rule. A command that is entirely whitespace yields
// no tokens; CommitData already discards such commands before they
// reach the queue, so AttemptLaunch's empty-argv check below is
// unreachable in the normal flow, and is kept only because spec §4.3
// calls it out as a distinct edge case a reimplementation must treat
// the same as an unknown command.
func tokenize(cmd string) []string {
	return strings.FieldsFunc(cmd, func(r rune) bool { return r == ' ' || r == '\t' })
}

// AttemptLaunch implements spec §4.3's attempt_launch: if a child is
// already running, or the queue is empty, it returns immediately.
// Otherwise it pops the head command, resolves it against the
// whitelist, and launches it.
func (r *Runner) AttemptLaunch() Status {
	r.mu.Lock()
	if r.running || len(r.queue) == 0 {
		status := Status{Attempted: false, Launched: false, TaskID: r.taskID}
		r.mu.Unlock()
		return status
	}
	cmd := r.queue[0]
	r.queue = r.queue[1:]
	r.mu.Unlock()

	if r.onCommand != nil {
		r.onCommand(cmd)
	}

	args := tokenize(cmd)
	if len(args) == 0 {
		return r.failedAttempt()
	}
	path, ok := r.store.Lookup(args[0])
	if !ok {
		return r.failedAttempt()
	}
	args[0] = path

	cmd2 := exec.Command(path, args[1:]...)
	stdout, err := cmd2.StdoutPipe()
	if err != nil {
		return r.failedAttempt()
	}
	stderr, err := cmd2.StderrPipe()
	if err != nil {
		stdout.Close()
		return r.failedAttempt()
	}

	// Start and Register must happen as one atomic step under the
	// dispatcher's lock: otherwise a fast-exiting child can be reaped
	// by the dispatcher's drain sweep, find no registered owner yet,
	// and silently drop the notification forever (and leave r.pid
	// pointing at a pid the OS may already have reused for an
	// unrelated process by the time a later KillTask fires).
	pid, err := r.disp.Launch(r.owner, func() (int, error) {
		if err := cmd2.Start(); err != nil {
			return 0, err
		}
		return cmd2.Process.Pid, nil
	})
	if err != nil {
		stdout.Close()
		stderr.Close()
		return r.failedAttempt()
	}

	r.mu.Lock()
	r.running = true
	r.cmd = cmd2
	r.pid = pid
	r.stdout = stdout
	r.stderr = stderr
	taskID := r.taskID
	r.mu.Unlock()

	return Status{Attempted: true, Launched: true, TaskID: taskID}
}

func (r *Runner) failedAttempt() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{Attempted: true, Launched: false, TaskID: r.taskID}
}

// WriteExecutionResult implements spec §4.3's write_execution_result.
// The caller (the dispatcher, via the session) has already reaped the
// child and decoded its wait status; WriteExecutionResult's job is to
// drain both pipes to completion (never interleaving stdout and
// stderr, per spec §4.3), close them, and clear the runner's
// execution context for the next launch.
func (r *Runner) WriteExecutionResult(status dispatcher.ExitStatus) Result {
	r.mu.Lock()
	stdout, stderr := r.stdout, r.stderr
	r.running = false
	r.cmd = nil
	r.pid = noPID
	r.stdout = nil
	r.stderr = nil
	r.taskID++
	r.mu.Unlock()

	var outBuf, errBuf []byte
	if stdout != nil {
		outBuf, _ = io.ReadAll(stdout)
		stdout.Close()
	}
	if stderr != nil {
		errBuf, _ = io.ReadAll(stderr)
		stderr.Close()
	}
	return Result{
		Stdout:   outBuf,
		Stderr:   errBuf,
		ExitCode: status.ExitCode,
		Signaled: status.Signaled,
		Signal:   status.Signal,
	}
}

// KillTask implements spec §4.3's kill_task: it sends SIGKILL to the
// current child only if taskID still names the in-flight generation.
// A stale id (the task it named has already completed) is a no-op —
// this is the sole defense against spec §9's "timer vs signal race".
func (r *Runner) KillTask(taskID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && taskID == r.taskID && r.pid != noPID {
		syscall.Kill(r.pid, syscall.SIGKILL)
	}
}

// TaskID returns the runner's current task generation.
func (r *Runner) TaskID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskID
}

// QueueLen reports how many commands are waiting to be launched.
func (r *Runner) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Running reports whether a child is currently alive.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
