// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

// Support surface for out-of-tree device drivers: the pieces of the
// locking and rendezvous machinery a driver needs to integrate with
// the kernel, without reaching into its internals.

// NewIntrCPU allocates a pseudo-CPU lending one interrupt source an
// execution context. Call once per device at attach time.
func (m *Machine) NewIntrCPU(name string) *CPU {
	return m.newIntrCPU(name)
}

// NewSpinlock returns an initialized spinlock for device state.
func NewSpinlock(name string) *Spinlock {
	lk := &Spinlock{}
	initlock(lk, name)
	return lk
}

// Lock acquires the spinlock on the given CPU context.
func (lk *Spinlock) Lock(c *CPU) { lk.acquire(c) }

// Unlock releases the spinlock.
func (lk *Spinlock) Unlock(c *CPU) { lk.release(c) }

// CPU returns the processor currently executing the thread.
func (t *KThread) CPU() *CPU { return t.cpu }

// Killed reports whether the thread's process has been flagged for
// termination; blocking device reads re-check this on every wakeup.
func (t *KThread) Killed() bool { return t.proc != nil && t.proc.killed }

// SleepOn atomically releases lk and parks the thread on chanv,
// reacquiring lk before returning. Device read paths use it to wait
// for input.
func (m *Machine) SleepOn(t *KThread, chanv any, lk *Spinlock) {
	m.sleep(t, chanv, lk)
}

// WakeupOn makes every process sleeping on chanv runnable; c is the
// caller's execution context (typically a driver's interrupt CPU).
func (m *Machine) WakeupOn(c *CPU, chanv any) {
	m.wakeup(c, chanv)
}
