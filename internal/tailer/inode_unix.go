//go:build !windows

package tailer

import (
	"os"
	"syscall"
)

// inode returns the platform inode number backing info, used to detect log
// rotation (a new file replacing the old one at the same path).
func inode(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Ino)
	}
	return 0
}
