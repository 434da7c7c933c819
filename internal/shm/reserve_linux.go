//go:build linux

package shm

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// reserve sizes the file and commits its backing pages up front so running
// out of tmpfs surfaces here instead of as SIGBUS on first touch.
func reserve(file *os.File, size int64) error {
	err := unix.Fallocate(int(file.Fd()), 0, 0, size)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return file.Truncate(size)
	}
	return err
}
