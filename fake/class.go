// Package fake
// Author: momentics <momentics@gmail.com>

package fake

import (
	"sync"

	"github.com/momentics/hioload-disp/api"
)

// Class is a scheduling class whose priorities are set by the test.
// Threads without an explicit priority run at Default.
type Class struct {
	name    string
	max     api.Pri
	system  bool
	Default api.Pri

	mu    sync.Mutex
	pri   map[api.ThreadID]api.Pri
	front map[api.ThreadID]bool
}

// NewClass returns a class named name with priorities up to max.
func NewClass(name string, max api.Pri) *Class {
	return &Class{
		name:  name,
		max:   max,
		pri:   make(map[api.ThreadID]api.Pri),
		front: make(map[api.ThreadID]bool),
	}
}

// NewSystemClass returns a class whose threads count as kernel system
// threads.
func NewSystemClass(name string, max api.Pri) *Class {
	c := NewClass(name, max)
	c.system = true
	return c
}

func (c *Class) Name() string          { return c.name }
func (c *Class) MaxGlobalPri() api.Pri { return c.max }
func (c *Class) IsSystem() bool        { return c.system }

func (c *Class) DispPri(t api.ThreadID) api.Pri {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pri[t]; ok {
		return p
	}
	return c.Default
}

// Preempt reports what SetFront recorded for t, back of the level by
// default.
func (c *Class) Preempt(t api.ThreadID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.front[t]
}

// SetPri fixes t's dispatch priority.
func (c *Class) SetPri(t api.ThreadID, p api.Pri) {
	c.mu.Lock()
	c.pri[t] = p
	c.mu.Unlock()
}

// SetFront makes a preempted t go to the front of its level.
func (c *Class) SetFront(t api.ThreadID, front bool) {
	c.mu.Lock()
	c.front[t] = front
	c.mu.Unlock()
}
