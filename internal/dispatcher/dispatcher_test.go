//go:build !windows

package dispatcher

import (
	"os/exec"
	"testing"
	"time"
)

type recordingOwner struct {
	ch chan ExitStatus
}

func newRecordingOwner() *recordingOwner {
	return &recordingOwner{ch: make(chan ExitStatus, 1)}
}

func (r *recordingOwner) NotifyChildExit(status ExitStatus) {
	r.ch <- status
}

func startChild(t *testing.T, args ...string) (*exec.Cmd, int) {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting %v: %v", args, err)
	}
	return cmd, cmd.Process.Pid
}

func TestDispatcherNotifiesRegisteredOwner(t *testing.T) {
	d := New(nil)
	d.Start()
	defer d.Stop()

	owner := newRecordingOwner()
	cmd, pid := startChild(t, "/bin/true")
	d.Register(pid, owner)

	select {
	case status := <-owner.ch:
		if status.Signaled {
			t.Fatalf("expected clean exit, got %+v", status)
		}
		if status.ExitCode != 0 {
			t.Fatalf("exit code = %d, want 0", status.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	_ = cmd
}

func TestDispatcherDecodesNonZeroExit(t *testing.T) {
	d := New(nil)
	d.Start()
	defer d.Stop()

	owner := newRecordingOwner()
	_, pid := startChild(t, "/bin/false")
	d.Register(pid, owner)

	select {
	case status := <-owner.ch:
		if status.Signaled {
			t.Fatalf("expected a plain nonzero exit, got signaled=%v", status.Signaled)
		}
		if status.ExitCode == 0 {
			t.Fatal("expected a nonzero exit code from /bin/false")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestDispatcherIgnoresUnregisteredPid(t *testing.T) {
	d := New(nil)
	d.Start()
	defer d.Stop()

	// Launch and exit a child without ever registering it. Its exit
	// must be silently reaped (not leaked as a zombie) and never
	// delivered anywhere, since nothing in d.live names its pid.
	_, _ = startChild(t, "/bin/true")

	owner := newRecordingOwner()
	_, pid := startChild(t, "/bin/true")
	d.Register(pid, owner)

	select {
	case status := <-owner.ch:
		if status.ExitCode != 0 {
			t.Fatalf("exit code = %d, want 0", status.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the registered child's dispatch")
	}
}

// TestLaunchNeverLosesAFastExitingChild exercises Launch with commands
// that exit essentially instantly (no sleep at all), the scenario in
// which a start-then-register sequence could let the dispatcher's
// drain sweep reap the child before it learns who owns the pid. Run
// repeatedly to make the race window observable if it ever reopens.
func TestLaunchNeverLosesAFastExitingChild(t *testing.T) {
	d := New(nil)
	d.Start()
	defer d.Stop()

	for i := 0; i < 50; i++ {
		owner := newRecordingOwner()
		cmd := exec.Command("/bin/true")
		pid, err := d.Launch(owner, func() (int, error) {
			if err := cmd.Start(); err != nil {
				return 0, err
			}
			return cmd.Process.Pid, nil
		})
		if err != nil {
			t.Fatalf("Launch: %v", err)
		}
		select {
		case status := <-owner.ch:
			if status.ExitCode != 0 {
				t.Fatalf("exit code = %d, want 0", status.ExitCode)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for dispatch of pid %d", pid)
		}
	}
}
