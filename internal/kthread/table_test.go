// File: internal/kthread/table_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package kthread

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/momentics/hioload-disp/api"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTableAllocRelease(t *testing.T) {
	tb := NewTable(2)
	a, err := tb.Alloc(Spec{Home: 3, LastCPU: api.NoCPU})
	require.NoError(t, err)
	b, err := tb.Alloc(Spec{Bound: true, BoundCPU: 1})
	require.NoError(t, err)
	require.Equal(t, 2, tb.Live())

	_, err = tb.Alloc(Spec{})
	require.True(t, errors.Is(err, api.ErrResourceExhausted))

	require.Equal(t, Transition, a.State())
	require.Equal(t, api.LgrpID(3), a.Home())
	require.False(t, a.Bound())
	require.True(t, b.Bound())
	require.Equal(t, api.CPUID(1), b.BindTarget())
	require.Same(t, a, tb.Get(a.ID()))

	a.SetState(Run)
	require.True(t, errors.Is(tb.Release(a), api.ErrBusy))
	a.SetState(Zombie)
	require.NoError(t, tb.Release(a))
	require.Equal(t, Free, a.State())
	require.Equal(t, 1, tb.Live())

	seen := 0
	tb.Range(func(*Thread) bool { seen++; return true })
	require.Equal(t, 1, seen)
}

func TestRangeSeesAllocatedThreadsWhole(t *testing.T) {
	const n = 64
	tb := NewTable(2 * n)
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < n; i++ {
			if _, err := tb.Alloc(Spec{Intr: true, LastCPU: api.NoCPU}); err != nil {
				return err
			}
			if _, err := tb.AllocIdle(api.CPUID(i), 0, api.RootLgrp); err != nil {
				return err
			}
		}
		return nil
	})
	for tb.Live() < 2*n {
		tb.Range(func(th *Thread) bool {
			require.NotEqual(t, th.IsIdle(), th.IsIntr())
			if th.IsIdle() {
				require.Equal(t, OnProc, th.State())
				require.True(t, th.Bound())
			} else {
				require.Equal(t, Transition, th.State())
				require.False(t, th.Bound())
			}
			return true
		})
	}
	require.NoError(t, g.Wait())
}

func TestThreadBindingPrecedence(t *testing.T) {
	tb := NewTable(1)
	th, err := tb.Alloc(Spec{Bound: true, BoundCPU: 2})
	require.NoError(t, err)
	th.WeakBind(5)
	require.Equal(t, api.CPUID(5), th.BindTarget())
	th.WeakBind(api.NoCPU)
	require.Equal(t, api.CPUID(2), th.BindTarget())
	th.Bind(api.NoCPU)
	require.False(t, th.Bound())
}

func TestThreadFlagsAndAffinity(t *testing.T) {
	tb := NewTable(1)
	th, err := tb.Alloc(Spec{})
	require.NoError(t, err)
	require.True(t, th.Resident())
	th.SetFlag(OnSwapQ)
	require.False(t, th.Resident())
	th.ClearFlag(OnSwapQ | Loaded)
	require.False(t, th.Resident())
	th.SetFlag(Loaded)
	require.True(t, th.Resident())

	require.False(t, th.HasLgrpAffinity())
	th.SetLgrpAffinity(map[api.LgrpID]Affinity{2: AffStrong})
	require.Equal(t, AffStrong, th.LgrpAffinity(2))
	require.Equal(t, AffNone, th.LgrpAffinity(1))
	th.SetLgrpAffinity(nil)
	require.False(t, th.HasLgrpAffinity())
}
