//go:build !windows

package blockstore

import "golang.org/x/sys/unix"

// freeBytes reports free space on the filesystem containing path, used to
// pre-check the §4.1 "free space >= payload + 1 MiB headroom" invariant.
func freeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
