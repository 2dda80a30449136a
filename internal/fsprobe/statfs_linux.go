//go:build linux

package fsprobe

import "golang.org/x/sys/unix"

// statfs returns (total bytes, available bytes) for the filesystem
// backing path.
func statfs(path string) (total, available uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize) //nolint:unconvert // Bsize is int64 on some arches
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
