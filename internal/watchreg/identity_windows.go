//go:build windows

package watchreg

import "os"

// fileIdentity on Windows falls back to a constant (zero) identity for
// every path, since os.FileInfo.Sys() does not expose a stable device/inode
// pair the way syscall.Stat_t does on Unix. Stale delete/recreate detection
// on Windows therefore relies on the directory no longer existing (handled
// by checkIdentity's os.IsNotExist branch) rather than identity mismatch.
func fileIdentity(path string) (dev uint64, ino uint64, err error) {
	if _, err := os.Stat(path); err != nil {
		return 0, 0, err
	}

	return 0, 0, nil
}
