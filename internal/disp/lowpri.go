// File: internal/disp/lowpri.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package disp

import (
	"math"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/lgrp"
)

// LowPriCPU returns the processor where a thread of priority tpri and home
// lpl would wait the least. hint is where to start inside its leaf; curcpu,
// if set, is treated as about to go idle. The search widens one locality
// level at a time and stops as soon as some processor runs below tpri.
// Finding every processor quiesced is fatal.
func (s *System) LowPriCPU(hint *CPU, lpl *lgrp.Lpl, tpri api.Pri, curcpu *CPU) *CPU {
	s.world.Enter()
	defer s.world.Exit()
	return s.lowPriCPU(hint, lpl, tpri, curcpu)
}

func (s *System) lowPriCPU(hint *CPU, lpl *lgrp.Lpl, tpri api.Pri, curcpu *CPU) *CPU {
	inMotion := s.inMotion.Load()
	done := sets.New[api.LgrpID]()
	var besthome *CPU

	for it := lpl; it != nil; it = it.Parent {
		var best *CPU
		bestpri := api.Pri(math.MaxInt16)
		bestnrun := 0
		cur := sets.New[api.LgrpID]()

		n := len(it.Rset)
		if n == 0 {
			continue
		}
		start := s.randn(n)
		idx := start
		for {
			leaf := it.Rset[idx]
			if !done.Has(leaf.ID) && len(leaf.CPUs) > 0 {
				cur.Insert(leaf.ID)
				first := leaf.CPUs[0]
				if hint != nil && leaf.Contains(hint.id) {
					first = hint.id
				}
				id := first
				for {
					cp := s.CPU(id)
					if cp != nil && !cp.Quiesced() {
						var cpupri api.Pri
						switch cp {
						case curcpu:
							cpupri = api.NoPri
						case inMotion:
							cpupri = math.MaxInt16 - 1
						default:
							cpupri = cp.DispatchPri()
						}
						if m := cp.disp.MaxRunPri(); m > cpupri {
							cpupri = m
						}
						if c := cp.ChosenLevel(); c > cpupri {
							cpupri = c
						}
						nrun := cp.disp.NRunnable()
						if cpupri < bestpri {
							if cpupri == api.NoPri && nrun == 0 {
								return cp
							}
							best, bestpri, bestnrun = cp, cpupri, nrun
						} else if cpupri == bestpri && nrun < bestnrun {
							best, bestnrun = cp, nrun
						}
					}
					if id = leaf.Next(id); id == first {
						break
					}
				}
			}
			if idx--; idx < 0 {
				idx = n - 1
			}
			if idx == start {
				break
			}
		}

		if best != nil && tpri > bestpri {
			return best
		}
		if besthome == nil {
			besthome = best
		}
		done = done.Union(cur)
	}
	if besthome == nil {
		s.fatalf("no unquiesced processor under lpl %d for priority %d", lpl.ID, tpri)
	}
	return besthome
}
