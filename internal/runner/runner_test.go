package runner

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/svartmetal/remote-runnerd/internal/dispatcher"
	"github.com/svartmetal/remote-runnerd/internal/whitelist"
)

type fakeOwner struct {
	ch chan dispatcher.ExitStatus
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{ch: make(chan dispatcher.ExitStatus, 1)}
}

func (f *fakeOwner) NotifyChildExit(status dispatcher.ExitStatus) {
	f.ch <- status
}

func writeWhitelist(t *testing.T, body string) *whitelist.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whitelist.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := whitelist.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTokenize(t *testing.T) {
	got := tokenize("echo  hello\tworld")
	want := []string{"echo", "hello", "world"}
	if len(got) != len(want) {
		t.Fatalf("tokenize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokenize()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCommitDataEnqueuesOnlyUpToFirstNewline(t *testing.T) {
	store := writeWhitelist(t, "echo /bin/echo\n")
	disp := dispatcher.New(nil)
	disp.Start()
	defer disp.Stop()
	r := New(store, disp, newFakeOwner())

	r.CommitData([]byte("echo one\necho two\n"))
	if n := r.QueueLen(); n != 1 {
		t.Fatalf("queue length after one CommitData = %d, want 1", n)
	}

	status := r.AttemptLaunch()
	if !status.Attempted || !status.Launched {
		t.Fatalf("AttemptLaunch() = %+v, want attempted+launched", status)
	}
	if n := r.QueueLen(); n != 0 {
		t.Fatalf("queue length after launch = %d, want 0", n)
	}

	// The second command is still sitting in the inbound buffer, not
	// the queue, until CommitData is called again.
	r.CommitData(nil)
	if n := r.QueueLen(); n != 1 {
		t.Fatalf("queue length after second CommitData = %d, want 1", n)
	}
}

func TestCommitDataSkipsBlankCommand(t *testing.T) {
	store := writeWhitelist(t, "echo /bin/echo\n")
	r := New(store, nil, nil)
	r.CommitData([]byte("   \n"))
	if n := r.QueueLen(); n != 0 {
		t.Fatalf("queue length = %d, want 0 for a blank command", n)
	}
}

func TestAttemptLaunchSuccess(t *testing.T) {
	store := writeWhitelist(t, "echo /bin/echo\n")
	owner := newFakeOwner()
	disp := dispatcher.New(nil)
	disp.Start()
	defer disp.Stop()

	r := New(store, disp, owner)
	r.CommitData([]byte("echo hello\n"))

	status := r.AttemptLaunch()
	if !status.Launched {
		t.Fatalf("AttemptLaunch() = %+v, want launched", status)
	}
	if !r.Running() {
		t.Fatal("expected Running() true after launch")
	}

	select {
	case exit := <-owner.ch:
		result := r.WriteExecutionResult(exit)
		if result.Signaled {
			t.Fatalf("expected clean exit, got signaled=%v signal=%v", result.Signaled, result.Signal)
		}
		if result.ExitCode != 0 {
			t.Fatalf("exit code = %d, want 0", result.ExitCode)
		}
		if string(result.Stdout) != "hello\n" {
			t.Fatalf("stdout = %q, want %q", result.Stdout, "hello\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for child exit notification")
	}

	if r.Running() {
		t.Fatal("expected Running() false after WriteExecutionResult")
	}
}

func TestAttemptLaunchUnknownCommand(t *testing.T) {
	store := writeWhitelist(t, "echo /bin/echo\n")
	r := New(store, nil, nil)
	r.CommitData([]byte("nosuchcommand\n"))

	status := r.AttemptLaunch()
	if !status.Attempted || status.Launched {
		t.Fatalf("AttemptLaunch() = %+v, want attempted but not launched", status)
	}
	if r.Running() {
		t.Fatal("expected Running() false for an unknown command")
	}
}

func TestAttemptLaunchNoopWhenAlreadyRunning(t *testing.T) {
	store := writeWhitelist(t, "sleep /bin/sleep\necho /bin/echo\n")
	owner := newFakeOwner()
	disp := dispatcher.New(nil)
	disp.Start()
	defer disp.Stop()

	r := New(store, disp, owner)
	r.CommitData([]byte("sleep 1\n"))
	status := r.AttemptLaunch()
	if !status.Launched {
		t.Fatalf("AttemptLaunch() = %+v, want launched", status)
	}

	r.CommitData([]byte("echo hello\n"))
	second := r.AttemptLaunch()
	if second.Attempted {
		t.Fatalf("AttemptLaunch() while running = %+v, want not attempted", second)
	}
	if n := r.QueueLen(); n != 1 {
		t.Fatalf("queue length = %d, want 1 (second command still queued)", n)
	}

	exit := <-owner.ch
	r.WriteExecutionResult(exit)

	status = r.AttemptLaunch()
	if !status.Launched {
		t.Fatalf("AttemptLaunch() after drain = %+v, want launched", status)
	}
	<-owner.ch
}

func TestKillTaskStaleIDIsNoop(t *testing.T) {
	store := writeWhitelist(t, "sleep /bin/sleep\n")
	owner := newFakeOwner()
	disp := dispatcher.New(nil)
	disp.Start()
	defer disp.Stop()

	r := New(store, disp, owner)
	r.CommitData([]byte("sleep 5\n"))
	status := r.AttemptLaunch()
	if !status.Launched {
		t.Fatal("expected launch to succeed")
	}

	// A taskID that does not name the current generation (here one
	// ahead of it) must not kill the live child.
	r.KillTask(status.TaskID + 1)

	select {
	case exit := <-owner.ch:
		t.Fatalf("unexpected early exit notification: %+v", exit)
	case <-time.After(200 * time.Millisecond):
	}

	r.KillTask(status.TaskID)
	select {
	case exit := <-owner.ch:
		if !exit.Signaled || exit.Signal != syscall.SIGKILL {
			t.Fatalf("exit = %+v, want signaled by SIGKILL", exit)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for kill to take effect")
	}
}
