package registry

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/kindling-project/kindling/config"
)

// TestMain supports the must_be_up termination tests below, which need to
// observe the registry's own os.Exit call from outside the test process:
// re-exec'ing the test binary with a marker env var is the standard way to
// assert on a test subject's exit code/status.
func TestMain(m *testing.M) {
	switch os.Getenv("KINDLING_REGISTRY_TEST_SCENARIO") {
	case "must-be-up-nonzero-exit":
		runMustBeUpNonzeroExitScenario()
		return
	case "must-be-up-signal-death":
		runMustBeUpSignalDeathScenario()
		return
	}
	os.Exit(m.Run())
}

func runMustBeUpNonzeroExitScenario() {
	r := New()
	errs := r.SpawnAll([]config.ServiceSpec{{
		Name:     "failer",
		Exec:     []string{"/usr/bin/false"},
		MustBeUp: true,
		Stdout:   config.StreamSpec{Watch: true},
		Stderr:   config.StreamSpec{Watch: true},
	}})
	if len(errs) > 0 {
		os.Exit(90)
	}
	for i := 0; i < 200; i++ {
		r.Reap()
		if r.IsEmpty() {
			os.Exit(0)
		}
		time.Sleep(10 * time.Millisecond)
	}
	os.Exit(91)
}

func runMustBeUpSignalDeathScenario() {
	r := New()
	errs := r.SpawnAll([]config.ServiceSpec{{
		Name:     "sleeper",
		Exec:     []string{"/usr/bin/sh", "-c", "sleep 5"},
		MustBeUp: true,
		Stdout:   config.StreamSpec{Watch: true},
		Stderr:   config.StreamSpec{Watch: true},
	}})
	if len(errs) > 0 {
		os.Exit(90)
	}
	svc, _ := r.GetByName("sleeper")
	unix.Kill(svc.Pid, unix.SIGKILL)
	for i := 0; i < 200; i++ {
		r.Reap()
		if r.IsEmpty() {
			os.Exit(0)
		}
		time.Sleep(10 * time.Millisecond)
	}
	os.Exit(91)
}

func runScenario(t *testing.T, scenario string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestMain$")
	cmd.Env = append(os.Environ(), "KINDLING_REGISTRY_TEST_SCENARIO="+scenario)
	return cmd
}

func TestMustBeUpNonzeroExitTerminatesSupervisor(t *testing.T) {
	cmd := runScenario(t, "must-be-up-nonzero-exit")
	err := cmd.Run()
	exitErr, ok := err.(*exec.ExitError)
	assert.Check(t, ok, "expected an ExitError, got %v", err)
	assert.Check(t, is.Equal(exitErr.ExitCode(), 1))
}

func TestMustBeUpSignalDeathTerminatesSupervisor(t *testing.T) {
	cmd := runScenario(t, "must-be-up-signal-death")
	err := cmd.Run()
	exitErr, ok := err.(*exec.ExitError)
	assert.Check(t, ok, "expected an ExitError, got %v", err)
	// os.Exit(-1) truncates to the low 8 bits of the exit status on Unix.
	assert.Check(t, is.Equal(exitErr.ExitCode(), 255))
}

func TestReapRemovesFromAllIndicesOnNormalExit(t *testing.T) {
	r := New()
	errs := r.SpawnAll([]config.ServiceSpec{{
		Name:   "quiet",
		Exec:   []string{"/usr/bin/true"},
		Stdout: config.StreamSpec{Watch: true},
		Stderr: config.StreamSpec{Watch: true},
	}})
	assert.Check(t, is.Len(errs, 0))

	svc, ok := r.GetByName("quiet")
	assert.Check(t, ok)
	stdoutFd := svc.Stdout.Fd()
	stderrFd := svc.Stderr.Fd()
	pid := svc.Pid

	var reaped []string
	for i := 0; i < 200 && !r.IsEmpty(); i++ {
		for _, s := range r.Reap() {
			reaped = append(reaped, s.Name)
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Check(t, is.DeepEqual(reaped, []string{"quiet"}))
	assert.Check(t, r.IsEmpty())
	_, ok = r.GetByFd(stdoutFd)
	assert.Check(t, !ok)
	_, ok = r.GetByFd(stderrFd)
	assert.Check(t, !ok)
	r.Remove(pid) // no-op, must not panic on an already-removed pid
}

func TestGetByFdDistinguishesStdoutAndStderr(t *testing.T) {
	r := New()
	errs := r.SpawnAll([]config.ServiceSpec{{
		Name:   "both-streams",
		Exec:   []string{"/usr/bin/sh", "-c", "sleep 5"},
		Stdout: config.StreamSpec{Watch: true},
		Stderr: config.StreamSpec{Watch: true},
	}})
	assert.Check(t, is.Len(errs, 0))
	defer func() {
		svc, _ := r.GetByName("both-streams")
		unix.Kill(svc.Pid, unix.SIGKILL)
		for i := 0; i < 200 && !r.IsEmpty(); i++ {
			r.Reap()
			time.Sleep(10 * time.Millisecond)
		}
	}()

	svc, ok := r.GetByName("both-streams")
	assert.Check(t, ok)

	fromStdout, ok := r.GetByFd(svc.Stdout.Fd())
	assert.Check(t, ok)
	assert.Check(t, is.Equal(fromStdout.Name, "both-streams"))

	fromStderr, ok := r.GetByFd(svc.Stderr.Fd())
	assert.Check(t, ok)
	assert.Check(t, is.Equal(fromStderr.Name, "both-streams"))
}

func TestSpawnAllDuplicateNamePanics(t *testing.T) {
	defer func() {
		r := recover()
		assert.Check(t, r != nil)
	}()
	r := New()
	r.SpawnAll([]config.ServiceSpec{
		{Name: "dup", Exec: []string{"/usr/bin/true"}},
		{Name: "dup", Exec: []string{"/usr/bin/true"}},
	})
}
