//go:build windows

// File: affinity/affinity_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows-specific implementation for setting thread CPU affinity.

package affinity

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-disp/api"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procSetThreadAffinityMask = kernel32.NewProc("SetThreadAffinityMask")
	procGetCurrentThread      = kernel32.NewProc("GetCurrentThread")
)

func setMask(mask uintptr) error {
	hThread, _, _ := procGetCurrentThread.Call()
	ret, _, err := procSetThreadAffinityMask.Call(hThread, mask)
	if ret == 0 {
		return errors.Wrap(err, "affinity: SetThreadAffinityMask")
	}
	return nil
}

// setAffinityPlatform sets thread affinity to a given CPU for Windows.
func setAffinityPlatform(cpuID int) error {
	return setMask(uintptr(1) << cpuID)
}

func clearAffinityPlatform(ncpu int) error {
	if ncpu >= 64 {
		return setMask(^uintptr(0))
	}
	return setMask(uintptr(1)<<ncpu - 1)
}

// Allowed is not reported on Windows.
func Allowed() ([]int, error) {
	return nil, errors.Wrap(api.ErrNotSupported, "affinity")
}
