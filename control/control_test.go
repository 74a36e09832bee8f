// control/control_test.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/momentics/hioload-disp/api"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestTunableStoreReload(t *testing.T) {
	ts := NewTunableStore(DefaultTunables())
	var seen []time.Duration
	ts.OnReload(func(t Tunables) { seen = append(seen, t.NoSteal) })

	require.NoError(t, ts.Update(func(t *Tunables) { t.NoSteal = time.Millisecond }))
	require.Equal(t, time.Millisecond, ts.Get().NoSteal)
	require.Equal(t, []time.Duration{time.Millisecond}, seen)

	err := ts.Update(func(t *Tunables) { t.Tick = 0 })
	require.True(t, errors.Is(err, api.ErrInvalidArgument))
	require.Equal(t, 10*time.Millisecond, ts.Get().Tick)
	require.Len(t, seen, 1)
}

func TestTunableStoreLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/disp.yaml", []byte(`
nosteal: 250us
kpq_pri: 100
rechoose_ticks: 5
`), 0o644))

	ts := NewTunableStore(DefaultTunables())
	require.NoError(t, ts.LoadFile(fs, "/disp.yaml"))
	got := ts.Get()
	require.Equal(t, 250*time.Microsecond, got.NoSteal)
	require.Equal(t, api.Pri(100), got.KpqPri)
	require.Equal(t, 50*time.Millisecond, got.RechooseInterval())
	// untouched keys keep their defaults
	require.Equal(t, api.Pri(99), got.MaxSysPri)

	require.Error(t, ts.LoadFile(fs, "/missing.yaml"))
	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("max_priorities: 3\n"), 0o644))
	require.True(t, errors.Is(ts.LoadFile(fs, "/bad.yaml"), api.ErrInvalidArgument))
}

func TestInvalidInitialTunablesFallBack(t *testing.T) {
	ts := NewTunableStore(Tunables{})
	require.Equal(t, DefaultTunables(), ts.Get())
}

func TestMetrics(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.Enqueued(EnqBack)
	nilMetrics.Poked()
	require.Empty(t, nilMetrics.Snapshot())

	m := NewMetrics()
	m.Enqueued(EnqBack)
	m.Enqueued(EnqBack)
	m.Enqueued(EnqKP)
	m.Dispatched(FromSteal)
	m.Deferred()
	require.Equal(t, 2.0, testutil.ToFloat64(m.Enqueues.WithLabelValues(EnqBack)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StealDeferred))

	snap := m.Snapshot()
	require.Equal(t, 1.0, snap["disp_enqueues_total{kind=kpq}"])
	require.Equal(t, 1.0, snap["disp_dispatches_total{source=steal}"])
	require.Equal(t, 0.0, snap["disp_pokes_total"])
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("answer", func() any { return 42 })
	require.Contains(t, dp.Names(), "platform.cpus")

	state := dp.DumpState()
	require.Equal(t, 42, state["answer"])
	require.Positive(t, state["platform.cpus"])

	dp.UnregisterProbe("answer")
	require.NotContains(t, dp.DumpState(), "answer")
}
