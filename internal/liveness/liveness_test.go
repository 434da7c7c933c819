package liveness

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfIsAlive(t *testing.T) {
	tok := Self()
	assert.Equal(t, uint32(os.Getpid()), tok.PID)
	assert.False(t, tok.IsZero())
	assert.Equal(t, Alive, ProcessProbe{}.Probe(tok))
}

func TestZeroTokenUnknown(t *testing.T) {
	assert.Equal(t, Unknown, ProcessProbe{}.Probe(Token{}))
}

func TestExitedProcessIsDead(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, cmd.Run())

	tok := Token{PID: uint32(cmd.ProcessState.Pid())}
	assert.Equal(t, Dead, ProcessProbe{}.Probe(tok))
}

// TestHelperProcess is the child of the tests below; it only sleeps.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LIVENESS_HELPER") != "1" {
		return
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func startHelper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), "LIVENESS_HELPER=1")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func TestUnreapedProcessIsDead(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process state requires procfs")
	}
	cmd := startHelper(t)
	tok := Token{PID: uint32(cmd.Process.Pid)}
	assert.Equal(t, Alive, ProcessProbe{}.Probe(tok))

	// killed but never waited for: the pid lingers as a zombie
	require.NoError(t, cmd.Process.Kill())
	assert.Eventually(t, func() bool {
		return ProcessProbe{}.Probe(tok) == Dead
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRecycledPIDIsDead(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("start time requires procfs")
	}
	tok := Self()
	tok.Start++
	assert.Equal(t, Dead, ProcessProbe{}.Probe(tok))
}

func TestProbeFunc(t *testing.T) {
	dead := ulid.Make()
	p := ProbeFunc(func(tok Token) State {
		if tok.Node == dead {
			return Dead
		}
		return Alive
	})

	assert.Equal(t, Dead, p.Probe(Self().WithNode(dead)))
	assert.Equal(t, Alive, p.Probe(Self().WithNode(ulid.Make())))
	assert.Equal(t, "dead", Dead.String())
}
