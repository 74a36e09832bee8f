// File: internal/lgrp/lgrp_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package lgrp

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/momentics/hioload-disp/api"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

const twoSocket = `
lgroups:
  - id: 0
  - id: 1
    parent: 0
    cpus: [0, 1, 2]
  - id: 2
    parent: 0
    cpus: [3, 4, 5]
caches:
  - [0, 1]
  - [3, 4, 5]
`

func loadTwoSocket(t *testing.T) *Topology {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/topo.yaml", []byte(twoSocket), 0o644))
	topo, err := Load(fs, "/etc/topo.yaml")
	require.NoError(t, err)
	return topo
}

func TestLoadHierarchy(t *testing.T) {
	topo := loadTwoSocket(t)

	root := topo.Root()
	require.Equal(t, api.RootLgrp, root.ID)
	require.False(t, root.IsLeaf())
	require.Len(t, root.Rset, 2)
	require.Equal(t, []api.CPUID{0, 1, 2, 3, 4, 5}, topo.CPUs())

	l1 := topo.LeafOf(1)
	require.Equal(t, api.LgrpID(1), l1.ID)
	require.True(t, l1.IsLeaf())
	require.Same(t, root, l1.Parent)
	require.Equal(t, 1, l1.Depth())
	require.Equal(t, api.CPUID(2), l1.Next(1))
	require.Equal(t, api.CPUID(0), l1.Next(2))
	require.True(t, l1.Contains(0))
	require.False(t, l1.Contains(3))
	require.Same(t, l1, root.Rset[root.RsetIndex(1)])
	require.Same(t, topo.LeafOf(4), root.Rset[root.RsetIndex(2)])

	require.True(t, topo.SharesCache(0, 1))
	require.False(t, topo.SharesCache(1, 2))
	require.True(t, topo.SharesCache(2, 2))
	require.True(t, topo.SharesCache(3, 5))
}

func TestRestrict(t *testing.T) {
	topo := loadTwoSocket(t)
	part := topo.Restrict(sets.New[api.CPUID](1, 2))

	require.Equal(t, []api.CPUID{1, 2}, part.CPUs())
	require.Nil(t, part.LeafOf(3))
	require.False(t, part.Has(2))
	require.Len(t, part.Root().Rset, 1)
	require.Equal(t, []api.CPUID{1, 2}, part.LeafOf(1).CPUs)
	// a group outside the partition resolves to the root
	require.Same(t, part.Root(), part.Lpl(2))
	require.False(t, part.SharesCache(1, 0))

	// the source is untouched
	require.Equal(t, 6, topo.Root().NCPU())
}

func TestFlat(t *testing.T) {
	topo := Flat(4)
	require.True(t, topo.Root().IsLeaf())
	require.Equal(t, api.CPUID(0), topo.Root().Next(3))
	require.Same(t, topo.Root(), topo.LeafOf(2))
}

func TestBuildRejects(t *testing.T) {
	cases := map[string]Desc{
		"no root": {Groups: []GroupDesc{{ID: 1, CPUs: []api.CPUID{0}}}},
		"dup cpu": {Groups: []GroupDesc{
			{ID: 0},
			{ID: 1, Parent: 0, CPUs: []api.CPUID{0}},
			{ID: 2, Parent: 0, CPUs: []api.CPUID{0}},
		}},
		"empty leaf": {Groups: []GroupDesc{{ID: 0}}},
		"cpus on inner group": {Groups: []GroupDesc{
			{ID: 0, CPUs: []api.CPUID{1}},
			{ID: 1, Parent: 0, CPUs: []api.CPUID{0}},
		}},
		"cycle": {Groups: []GroupDesc{
			{ID: 0},
			{ID: 1, Parent: 2, CPUs: []api.CPUID{0}},
			{ID: 2, Parent: 1},
		}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(d)
			require.Error(t, err)
			require.True(t, errors.Is(err, api.ErrInvalidArgument))
		})
	}

	_, err := Build(Desc{Groups: []GroupDesc{{ID: 0}, {ID: 1, Parent: 7, CPUs: []api.CPUID{0}}}})
	require.True(t, errors.Is(err, api.ErrNotFound))
}
