//go:build !unix

package tail

import "os"

// fileIdentity has no inode on this platform; rotation is detected by size only
func fileIdentity(info os.FileInfo) uint64 {
	return 0
}
