package encoder

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// FreeMB reports the space available to unprivileged users under dir.
func FreeMB(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024), nil
}

// CheckDiskSpace fails when dir has less than minMB free.
func CheckDiskSpace(dir string, minMB uint64) error {
	avail, err := FreeMB(dir)
	if err != nil {
		return err
	}
	if avail < minMB {
		return fmt.Errorf("insufficient disk space: %d MB available, %d MB required", avail, minMB)
	}
	return nil
}
