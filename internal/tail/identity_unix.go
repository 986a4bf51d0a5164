//go:build unix

package tail

import (
	"os"
	"syscall"
)

// fileIdentity returns the inode of the file, or 0 when unavailable
func fileIdentity(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
