//go:build !windows

package watchreg

import (
	"os"
	"syscall"
)

// fileIdentity returns the device and inode numbers for path, used to
// detect when a path has been deleted and recreated with new on-disk
// identity despite keeping the same name.
func fileIdentity(path string) (dev uint64, ino uint64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, nil
	}

	return uint64(stat.Dev), uint64(stat.Ino), nil
}
