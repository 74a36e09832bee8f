// Package fake
// Author: momentics <momentics@gmail.com>

package fake

import (
	"sync"

	"github.com/momentics/hioload-disp/api"
)

// Switch is one recorded context switch.
type Switch struct {
	CPU      api.CPUID
	From, To api.ThreadID
}

// Switcher records context switches instead of performing them.
type Switcher struct {
	mu  sync.Mutex
	log []Switch
}

func (s *Switcher) Switch(cpu api.CPUID, from, to api.ThreadID) {
	s.mu.Lock()
	s.log = append(s.log, Switch{CPU: cpu, From: from, To: to})
	s.mu.Unlock()
}

// Switches returns the recorded switches in order.
func (s *Switcher) Switches() []Switch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Switch(nil), s.log...)
}

// Reset forgets recorded switches.
func (s *Switcher) Reset() {
	s.mu.Lock()
	s.log = nil
	s.mu.Unlock()
}

// Poker counts cross-processor interrupts per processor.
type Poker struct {
	mu    sync.Mutex
	count map[api.CPUID]int
}

func (p *Poker) Poke(cpu api.CPUID) {
	p.mu.Lock()
	if p.count == nil {
		p.count = make(map[api.CPUID]int)
	}
	p.count[cpu]++
	p.mu.Unlock()
}

// Pokes returns how many times cpu was poked.
func (p *Poker) Pokes(cpu api.CPUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count[cpu]
}

// Total returns the number of pokes to any processor.
func (p *Poker) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.count {
		n += c
	}
	return n
}

// Swapper records swapper wakeups.
type Swapper struct {
	mu             sync.Mutex
	Wakes, Urgents int
}

func (s *Swapper) WakeSwapper(urgent bool) {
	s.mu.Lock()
	s.Wakes++
	if urgent {
		s.Urgents++
	}
	s.mu.Unlock()
}

// Counts returns the number of wakeups and how many were urgent.
func (s *Swapper) Counts() (wakes, urgent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Wakes, s.Urgents
}
