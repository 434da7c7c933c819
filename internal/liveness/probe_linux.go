//go:build linux

package liveness

import (
	"errors"
	"os"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

var procFS = sync.OnceValues(procfs.NewDefaultFS)

func probeProcess(pid uint32, start uint64) State {
	fs, err := procFS()
	if err != nil {
		return signalProbe(pid)
	}
	stat, err := readStat(fs, int(pid))
	switch {
	case err == nil:
		if start != 0 && stat.Starttime != start {
			return Dead // pid was recycled
		}
		if exited(stat.State) {
			return Dead
		}
		return Alive
	case errors.Is(err, os.ErrNotExist), errors.Is(err, unix.ESRCH):
		return Dead
	}
	// stat unreadable
	return signalProbe(pid)
}

// exited reports whether a stat state letter belongs to a process that no
// longer runs: a zombie nobody reaped yet, or one being torn down.
func exited(state string) bool {
	switch state {
	case "Z", "X", "x":
		return true
	}
	return false
}

func signalProbe(pid uint32) State {
	switch err := unix.Kill(int(pid), 0); {
	case err == nil, errors.Is(err, unix.EPERM):
		return Alive
	case errors.Is(err, unix.ESRCH):
		return Dead
	}
	return Unknown
}

func selfProcess() (uint32, uint64) {
	pid := os.Getpid()
	fs, err := procFS()
	if err != nil {
		return uint32(pid), 0
	}
	stat, err := readStat(fs, pid)
	if err != nil {
		return uint32(pid), 0
	}
	return uint32(pid), stat.Starttime
}

func readStat(fs procfs.FS, pid int) (procfs.ProcStat, error) {
	proc, err := fs.Proc(pid)
	if err != nil {
		return procfs.ProcStat{}, err
	}
	return proc.Stat()
}
