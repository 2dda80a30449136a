//go:build linux

package config

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// defaultMountResolver returns the device id backing path, used to
// detect two configured storage paths sharing one filesystem mount.
func defaultMountResolver(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return uint64(st.Dev), nil
}
