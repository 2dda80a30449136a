// Package fsprobe reports free space on configured storage mounts and
// picks the best one for a new fragment.
package fsprobe

import (
	"errors"
	"fmt"

	"github.com/fragmesh/storage-node/internal/config"
)

// ErrNoPaths is returned when MostFree is called with no candidate paths.
var ErrNoPaths = errors.New("no storage paths configured")

// Available returns the usable free bytes on the filesystem backing
// path, capped by thresholdPct of total capacity: the node never fills
// a mount past the configured threshold even if the OS reports more
// free space available.
func Available(path string, thresholdPct int) (uint64, error) {
	total, free, err := statfs(path)
	if err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	capped := total * uint64(thresholdPct) / 100
	if free < capped {
		return free, nil
	}
	return capped, nil
}

// MostFree evaluates Available for every configured path and returns
// the one with the highest result. Ties are broken by input order —
// the first path wins.
func MostFree(paths []config.StoragePath) (config.StoragePath, uint64, error) {
	if len(paths) == 0 {
		return config.StoragePath{}, 0, ErrNoPaths
	}

	var (
		best      config.StoragePath
		bestFree  uint64
		bestFound bool
	)
	for _, p := range paths {
		free, err := Available(p.Path, p.Threshold)
		if err != nil {
			return config.StoragePath{}, 0, fmt.Errorf("path %s: %w", p.Path, err)
		}
		if !bestFound || free > bestFree {
			best = p
			bestFree = free
			bestFound = true
		}
	}
	return best, bestFree, nil
}

// TotalAvailable sums Available across every configured path, used for
// the device_update telemetry payload's aggregate storage figure.
func TotalAvailable(paths []config.StoragePath) (uint64, error) {
	var sum uint64
	for _, p := range paths {
		free, err := Available(p.Path, p.Threshold)
		if err != nil {
			return 0, fmt.Errorf("path %s: %w", p.Path, err)
		}
		sum += free
	}
	return sum, nil
}
