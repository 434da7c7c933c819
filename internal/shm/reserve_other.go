//go:build unix && !linux

package shm

import "os"

func reserve(file *os.File, size int64) error {
	return file.Truncate(size)
}
