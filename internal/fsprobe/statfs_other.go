//go:build !linux

package fsprobe

import "fmt"

// statfs is only implemented for Linux. This daemon targets Linux
// storage hosts; other platforms fail loudly rather than silently
// reporting zero free space.
func statfs(path string) (total, available uint64, err error) {
	return 0, 0, fmt.Errorf("fsprobe: unsupported platform for path %s", path)
}
