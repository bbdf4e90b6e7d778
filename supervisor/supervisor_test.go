package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/kindling-project/kindling/config"
)

// dropBootBanner strips the leading "=== kindling run ... ===\n" line every
// log-file sink writes once, so assertions can compare just the streamed
// bytes that follow it.
func dropBootBanner(t *testing.T, content []byte) string {
	t.Helper()
	s := string(content)
	idx := strings.Index(s, "\n")
	assert.Check(t, idx >= 0, "expected at least one line (the boot banner) in %q", s)
	return s[idx+1:]
}

// TestMain re-execs this test binary under a scenario marker to exercise
// the must_be_up termination paths, which call os.Exit deep inside
// Registry.Reap and would otherwise kill the real test process. See
// registry_test.go for the same pattern.
func TestMain(m *testing.M) {
	switch os.Getenv("KINDLING_SUPERVISOR_TEST_SCENARIO") {
	case "must-be-up-nonzero-exit":
		runMustBeUpNonzeroExitScenario()
	case "":
		os.Exit(m.Run())
	default:
		os.Exit(99)
	}
}

func runMustBeUpNonzeroExitScenario() {
	cfg := &config.File{
		Version: 1,
		Services: []config.ServiceSpec{{
			Name:     "failer",
			Exec:     []string{"/usr/bin/false"},
			MustBeUp: true,
		}},
	}
	sup, err := New("", "test-run-id")
	if err != nil {
		os.Exit(90)
	}
	if err := sup.Start(cfg); err != nil {
		os.Exit(91)
	}
	sup.Run() // never returns: the failing must_be_up child triggers os.Exit(1)
	os.Exit(92)
}

func TestMustBeUpNonzeroExitTerminatesSupervisor(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^TestMain$")
	cmd.Env = append(os.Environ(), "KINDLING_SUPERVISOR_TEST_SCENARIO=must-be-up-nonzero-exit")
	err := cmd.Run()
	exitErr, ok := err.(*exec.ExitError)
	assert.Check(t, ok, "expected an *exec.ExitError, got %v", err)
	assert.Check(t, is.Equal(exitErr.ExitCode(), 1))
}

func waitUntilEmpty(t *testing.T, sup *Supervisor) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- sup.Run() }()
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor.Run did not return within 5s")
	}
}

func TestEchoServiceLogsToConfiguredFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "web.log")

	cfg := &config.File{
		Version: 1,
		Services: []config.ServiceSpec{{
			Name: "web",
			Exec: []string{"/usr/bin/echo", "hello from web"},
			Stdout: config.StreamSpec{Watch: true, ReadBufsize: 2048},
			Stderr: config.StreamSpec{Watch: false},
		}},
		Consumers: []config.ConsumerSpec{{
			Consumes: config.Producer{Stream: "stdout", Service: "web"},
			Kind:     config.ConsumerKind{Kind: "log", Path: logPath},
		}},
	}

	sup, err := New("", "test-run-id")
	assert.NilError(t, err)
	assert.NilError(t, sup.Start(cfg))
	waitUntilEmpty(t, sup)

	got, err := os.ReadFile(logPath)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(dropBootBanner(t, got), "hello from web\n"))
}

func TestMustBeUpServiceExitingZeroDoesNotTerminate(t *testing.T) {
	cfg := &config.File{
		Version: 1,
		Services: []config.ServiceSpec{{
			Name:     "ok",
			Exec:     []string{"/usr/bin/true"},
			MustBeUp: true,
			Stdout:   config.StreamSpec{Watch: false},
			Stderr:   config.StreamSpec{Watch: false},
		}},
	}

	sup, err := New("", "test-run-id")
	assert.NilError(t, err)
	assert.NilError(t, sup.Start(cfg))
	waitUntilEmpty(t, sup)
}

func TestNonMustBeUpFailureLeavesSiblingRunning(t *testing.T) {
	cfg := &config.File{
		Version: 1,
		Services: []config.ServiceSpec{
			{
				Name:   "failer",
				Exec:   []string{"/usr/bin/false"},
				Stdout: config.StreamSpec{Watch: false},
				Stderr: config.StreamSpec{Watch: false},
			},
			{
				Name:   "sleeper",
				Exec:   []string{"/usr/bin/sleep", "0.2"},
				Stdout: config.StreamSpec{Watch: false},
				Stderr: config.StreamSpec{Watch: false},
			},
		},
	}

	sup, err := New("", "test-run-id")
	assert.NilError(t, err)
	assert.NilError(t, sup.Start(cfg))
	waitUntilEmpty(t, sup)
}

func TestByteStreamSurvivesBusBufferBoundary(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "chatty.log")

	// printf with no trailing newline emits exactly 10000 'a' bytes; a
	// small bus_bufsize forces several flushes across that single read.
	script := `printf 'a%.0s' $(seq 1 10000)`

	cfg := &config.File{
		Version: 1,
		Services: []config.ServiceSpec{{
			Name:   "chatty",
			Exec:   []string{"/usr/bin/sh", "-c", script},
			Stdout: config.StreamSpec{Watch: true, ReadBufsize: 16384, BusBufsize: 4096},
			Stderr: config.StreamSpec{Watch: false},
		}},
		Consumers: []config.ConsumerSpec{{
			Consumes: config.Producer{Stream: "stdout", Service: "chatty"},
			Kind:     config.ConsumerKind{Kind: "log", Path: logPath},
		}},
	}

	sup, err := New("", "test-run-id")
	assert.NilError(t, err)
	assert.NilError(t, sup.Start(cfg))
	waitUntilEmpty(t, sup)

	got, err := os.ReadFile(logPath)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(len(dropBootBanner(t, got)), 10000))
}

func TestTwoServicesPreservePerServiceOrdering(t *testing.T) {
	dir := t.TempDir()
	logA := filepath.Join(dir, "a.log")
	logB := filepath.Join(dir, "b.log")

	scriptA := `for i in $(seq 1 50); do echo "a-$i"; done`
	scriptB := `for i in $(seq 1 50); do echo "b-$i"; done`

	cfg := &config.File{
		Version: 1,
		Services: []config.ServiceSpec{
			{
				Name:   "svc-a",
				Exec:   []string{"/usr/bin/sh", "-c", scriptA},
				Stdout: config.StreamSpec{Watch: true, ReadBufsize: 2048},
				Stderr: config.StreamSpec{Watch: false},
			},
			{
				Name:   "svc-b",
				Exec:   []string{"/usr/bin/sh", "-c", scriptB},
				Stdout: config.StreamSpec{Watch: true, ReadBufsize: 2048},
				Stderr: config.StreamSpec{Watch: false},
			},
		},
		Consumers: []config.ConsumerSpec{
			{
				Consumes: config.Producer{Stream: "stdout", Service: "svc-a"},
				Kind:     config.ConsumerKind{Kind: "log", Path: logA},
			},
			{
				Consumes: config.Producer{Stream: "stdout", Service: "svc-b"},
				Kind:     config.ConsumerKind{Kind: "log", Path: logB},
			},
		},
	}

	sup, err := New("", "test-run-id")
	assert.NilError(t, err)
	assert.NilError(t, sup.Start(cfg))
	waitUntilEmpty(t, sup)

	gotA, err := os.ReadFile(logA)
	assert.NilError(t, err)
	gotB, err := os.ReadFile(logB)
	assert.NilError(t, err)

	wantA := ""
	wantB := ""
	for i := 1; i <= 50; i++ {
		wantA += "a-" + strconv.Itoa(i) + "\n"
		wantB += "b-" + strconv.Itoa(i) + "\n"
	}
	assert.Check(t, is.Equal(dropBootBanner(t, gotA), wantA))
	assert.Check(t, is.Equal(dropBootBanner(t, gotB), wantB))
}
