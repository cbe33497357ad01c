package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/duffcloud/vminit/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor() *Supervisor {
	return New(2*time.Second, nil, nil, false, log.Discard())
}

func TestReapAllDetectsWorkloadExit(t *testing.T) {
	s := newTestSupervisor()

	pid, _, err := s.spawn(ProcessSpec{Command: []string{"/bin/sh", "-c", "exit 0"}})
	require.NoError(t, err)
	s.workloadPID = pid

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.reapAll() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("workload exit was never observed")
}

func TestReapAllRestartsOnFailureService(t *testing.T) {
	s := newTestSupervisor()
	dir := t.TempDir()
	marker := filepath.Join(dir, "count")

	spec := ProcessSpec{
		Name:    "flaky",
		Command: []string{"/bin/sh", "-c", "echo x >> " + marker + "; exit 1"},
		Restart: RestartOnFailure,
	}
	require.NoError(t, s.startService(spec))

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		s.reapAll()
		data, _ := os.ReadFile(marker)
		if len(data) >= 4 { // ran at least twice ("x\n" is 2 bytes)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	data, _ := os.ReadFile(marker)
	assert.GreaterOrEqual(t, len(data), 4, "on-failure service should have restarted at least once")
}

func TestReapAllDiscardsUnknownOrphan(t *testing.T) {
	s := newTestSupervisor()
	// A child the supervisor never tracked stands in for a reparented
	// orphan: wait4(-1,...) reaps it, reapAll discards it, and the call
	// returns false without blocking.
	orphan := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, orphan.Start())
	time.Sleep(100 * time.Millisecond)

	assert.False(t, s.reapAll())
	assert.Empty(t, s.services)
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := newTestSupervisor()
	require.NoError(t, s.shutdown("test"))
	require.NoError(t, s.shutdown("test-again"))
	assert.Equal(t, StateDone, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "done", StateDone.String())
}
