//go:build unix

package lifecycle

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// probeLock takes and releases a non-blocking exclusive flock. Only read access is needed.
func probeLock(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("flock %s: %w", path, err)
	}
	return unix.Flock(fd, unix.LOCK_UN)
}
