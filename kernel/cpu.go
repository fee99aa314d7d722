// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "sync/atomic"

// CPU is one simulated processor: either a real scheduler CPU, whose
// dispatch loop runs as a goroutine, or a pseudo-CPU that gives an
// interrupt source (timer tick, disk completion, console input) an
// execution context with the normal interrupt-masking discipline.
//
// ncli, intena, ien and cr3 are only ever touched by the goroutine
// currently executing on the CPU, so they need no synchronization of
// their own.
type CPU struct {
	id   int
	m    *Machine
	name string

	sched *KThread // this CPU's scheduler context; nil on pseudo-CPUs
	proc  *Proc    // process currently running here, or nil

	ncli   int  // depth of pushcli nesting
	intena bool // were interrupts enabled before the outermost pushcli
	ien    bool // simulated interrupt-enable flag (eflags.IF)

	cr3 uint32 // physical address of the installed page directory

	resched atomic.Bool // timer requested a reschedule
	intr    bool        // pseudo-CPU for interrupt context
}

func (c *CPU) cli() { c.ien = false }
func (c *CPU) sti() { c.ien = true }

// pushcli disables interrupts, recording the prior enable state at
// the outermost nesting so popcli can restore it.
func (c *CPU) pushcli() {
	eflags := c.ien
	c.cli()
	if c.ncli == 0 {
		c.intena = eflags
	}
	c.ncli++
}

// popcli undoes one pushcli, re-enabling interrupts only when the
// nesting returns to zero and they were enabled to begin with.
func (c *CPU) popcli() {
	if c.ien {
		panicf("popcli - interruptible")
	}
	c.ncli--
	if c.ncli < 0 {
		panicf("popcli")
	}
	if c.ncli == 0 && c.intena {
		c.sti()
	}
}
