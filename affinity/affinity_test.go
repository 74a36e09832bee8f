// File: affinity/affinity_test.go
// Author: momentics <momentics@gmail.com>

package affinity

import (
	"runtime"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-disp/api"
)

func TestSetAffinityRejectsBadCPU(t *testing.T) {
	require.True(t, errors.Is(SetAffinity(-1), api.ErrInvalidArgument))
	require.True(t, errors.Is(SetAffinity(runtime.NumCPU()), api.ErrInvalidArgument))
}

func TestPinAllowedCPU(t *testing.T) {
	allowed, err := Allowed()
	if errors.Is(err, api.ErrNotSupported) {
		t.Skip("affinity not reported on this platform")
	}
	require.NoError(t, err)
	require.NotEmpty(t, allowed)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var p Pinner
	require.NoError(t, p.Pin(allowed[0]))
	defer func() { require.NoError(t, p.Unpin()) }()
	now, err := Allowed()
	require.NoError(t, err)
	require.Equal(t, []int{allowed[0]}, now)
}
