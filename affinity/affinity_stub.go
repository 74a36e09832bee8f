//go:build !linux && !windows

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package affinity

import (
	"github.com/cockroachdb/errors"

	"github.com/momentics/hioload-disp/api"
)

// setAffinityPlatform is a stub for platforms where CPU affinity is not supported.
func setAffinityPlatform(cpuID int) error {
	return errors.Wrap(api.ErrNotSupported, "affinity")
}

func clearAffinityPlatform(int) error {
	return errors.Wrap(api.ErrNotSupported, "affinity")
}

// Allowed is unsupported here.
func Allowed() ([]int, error) {
	return nil, errors.Wrap(api.ErrNotSupported, "affinity")
}
