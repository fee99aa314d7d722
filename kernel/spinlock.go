// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a mutual-exclusion spin lock. Acquiring disables
// interrupts on the acquiring CPU (nested via pushcli/popcli) so an
// interrupt handler can never deadlock against the thread it
// preempted. Holding a spinlock for a long time makes other CPUs
// waste time spinning.
type Spinlock struct {
	locked uint32

	// Debug state, written only by the holder.
	name string
	cpu  *CPU
	pcs  [nPCS]uintptr // call chain that acquired the lock
}

func initlock(lk *Spinlock, name string) {
	lk.name = name
	lk.locked = 0
	lk.cpu = nil
}

// acquire spins until the lock is held. Recursive acquisition on the
// same CPU is a fatal error.
func (lk *Spinlock) acquire(c *CPU) {
	c.pushcli() // disable interrupts to avoid deadlock
	if lk.holding(c) {
		panicf("acquire %s", lk.name)
	}

	// The compare-and-swap is atomic and carries the full fence the
	// original issued by hand around xchg.
	for !atomic.CompareAndSwapUint32(&lk.locked, 0, 1) {
		runtime.Gosched()
	}

	// Record info about lock acquisition for debugging.
	lk.cpu = c
	getcallerpcs(2, lk.pcs[:])
}

// release stores zero with release ordering after clearing the debug
// state, then re-enables interrupts if this was the outermost lock.
func (lk *Spinlock) release(c *CPU) {
	if !lk.holding(c) {
		panicf("release %s", lk.name)
	}
	lk.pcs[0] = 0
	lk.cpu = nil

	atomic.StoreUint32(&lk.locked, 0)

	c.popcli()
}

// holding reports whether this CPU holds the lock.
func (lk *Spinlock) holding(c *CPU) bool {
	c.pushcli()
	r := atomic.LoadUint32(&lk.locked) != 0 && lk.cpu == c
	c.popcli()
	return r
}
