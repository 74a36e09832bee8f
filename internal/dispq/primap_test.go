// File: internal/dispq/primap_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dispq

import (
	"testing"

	"github.com/momentics/hioload-disp/api"
	"github.com/stretchr/testify/require"
)

func TestPriMapHighest(t *testing.T) {
	m := NewPriMap(170)
	require.Equal(t, 192, m.Levels())
	require.Equal(t, api.NoPri, m.Highest())

	for _, p := range []api.Pri{0, 63, 64, 100, 169} {
		m.Set(p)
		require.True(t, m.IsSet(p))
		require.Equal(t, p, m.Highest())
	}
	require.Equal(t, api.Pri(100), m.HighestBelow(169))
	require.Equal(t, api.Pri(64), m.HighestBelow(100))
	require.Equal(t, api.Pri(63), m.HighestBelow(64))
	require.Equal(t, api.Pri(0), m.HighestBelow(63))
	require.Equal(t, api.NoPri, m.HighestBelow(0))
	require.Equal(t, api.Pri(64), m.HighestAtOrBelow(64))
	require.Equal(t, api.Pri(169), m.HighestAtOrBelow(1000))

	m.Clear(169)
	m.Clear(100)
	require.Equal(t, api.Pri(64), m.Highest())
}
