//go:build !windows

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetr/internal/process"
)

func TestSupervisorRealProcess(t *testing.T) {
	s := New(Options{})
	defer func() { _ = s.Shutdown(context.Background()) }()

	require.NoError(t, s.Configure([]process.Spec{{Name: "sleeper", Command: "sleep 30", AutoStart: true}}))
	snap, err := s.Status("sleeper")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Greater(t, snap.PID, 0)

	start := time.Now()
	require.NoError(t, s.Stop("sleeper"))
	assert.Less(t, time.Since(start), 3*time.Second)
	snap, _ = s.Status("sleeper")
	assert.Equal(t, StatusStopped, snap.Status)
}

func TestSupervisorRealCrashMarksError(t *testing.T) {
	s := New(Options{})
	defer func() { _ = s.Shutdown(context.Background()) }()

	require.NoError(t, s.Add(process.Spec{Name: "crasher", Command: "sh -c 'exit 1'"}))
	require.NoError(t, s.Start("crasher"))
	require.Eventually(t, func() bool {
		snap, _ := s.Status("crasher")
		return snap.Status == StatusError && snap.RestartCount == 1
	}, 5*time.Second, 10*time.Millisecond)
}
