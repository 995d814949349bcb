//go:build windows

package tailer

import "os"

// inode has no portable equivalent on Windows; rotation detection there
// falls back entirely on the persistent-empty-read path.
func inode(info os.FileInfo) uint64 {
	return 0
}
