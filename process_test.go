package shmbus

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const crashDirEnv = "SHMBUS_CRASH_DIR"

// TestCrashingPublisherProcess is the child of TestSweepReclaimsKilledProcess.
// It joins the parent's domain, leaves a sample in the history and an unsent
// loan, reports ready and waits to be killed.
func TestCrashingPublisherProcess(t *testing.T) {
	dir := os.Getenv(crashDirEnv)
	if dir == "" {
		return
	}
	cfg := testConfig(t)
	cfg.SegmentDir = dir
	n, err := NewNode(cfg, WithName("doomed"), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	svc, err := n.OpenService(testDescriptor("crash"))
	require.NoError(t, err)
	pub, err := svc.Publisher(PublisherConfig{})
	require.NoError(t, err)
	require.NoError(t, pub.Send([]byte("last words")))
	_, err = pub.Loan()
	require.NoError(t, err)

	os.Stdout.WriteString("ready\n")
	time.Sleep(time.Minute)
	os.Exit(0)
}

func TestSweepReclaimsKilledProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process states come from procfs")
	}
	cfg := testConfig(t)
	a := newTestNode(t, cfg, "survivor")
	svc := openService(t, a, testDescriptor("crash"))

	cmd := exec.Command(os.Args[0], "-test.run=^TestCrashingPublisherProcess$")
	cmd.Env = append(os.Environ(), crashDirEnv+"="+cfg.SegmentDir)
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	ready := false
	for sc := bufio.NewScanner(out); sc.Scan(); {
		if sc.Text() == "ready" {
			ready = true
			break
		}
	}
	require.True(t, ready, "child exited before publishing")

	ports, err := svc.Ports()
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, PublisherPort, ports[0].Kind)
	assert.NotEqual(t, a.ID(), ports[0].Node)
	free, capacity := freeChunks(svc)
	require.Equal(t, capacity-2, free)

	// a running child is left alone
	rep, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.DeadNodes)
	assert.Len(t, a.ListNodes(), 2)

	// killed and not reaped: the child lingers as a zombie
	require.NoError(t, cmd.Process.Kill())
	require.Eventually(t, func() bool {
		rep, err = a.Sweep(context.Background())
		return err == nil && rep.DeadNodes == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, rep.ReclaimedPorts)
	assert.Equal(t, 2, rep.ReleasedChunks)
	// registry and service segment
	assert.Equal(t, 2, rep.DetachedSegments)
	assert.Zero(t, rep.DestroyedSegments)

	ports, err = svc.Ports()
	require.NoError(t, err)
	assert.Empty(t, ports)
	free, capacity = freeChunks(svc)
	assert.Equal(t, capacity, free)
	assert.Len(t, a.ListNodes(), 1)
}
