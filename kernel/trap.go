// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"sync/atomic"
	"time"

	"github.com/gvix/gvix/internal/logger"
)

// Trap vectors.
const (
	tSyscall = 64 // int T_SYSCALL
	tIRQ0    = 32 // IRQ 0 maps to vector 32

	irqTimer    = 0
	irqKbd      = 1
	irqCom1     = 4
	irqIDE      = 14
	irqSpurious = 31
)

// eflags and segment-selector values placed in trapframes.
const (
	flIF = 0x200 // interrupt enable

	segKCode = 1 << 3
	segUCode = 3<<3 | dplUser
	segUData = 4<<3 | dplUser

	dplUser = 3
)

// Trapframe captures all user registers at the moment of a trap so
// user execution can resume unchanged. The layout mirrors the
// hardware frame the original pushed on the kernel stack.
type Trapframe struct {
	// registers as pushed by pusha
	Edi, Esi, Ebp, OEsp, Ebx, Edx, Ecx, Eax uint32

	// saved segment selectors
	Gs, Fs, Es, Ds uint32

	Trapno uint32

	// below here defined by x86 hardware
	Err, Eip, Cs, Eflags, Esp, Ss uint32
}

func (tf *Trapframe) userMode() bool { return tf.Cs&3 == dplUser }

// trap is the uniform entry for system calls, exceptions and
// interrupts. t is nil in interrupt context (c is then a pseudo-CPU).
func (m *Machine) trap(c *CPU, t *KThread, tf *Trapframe) {
	if tf.Trapno == tSyscall {
		p := t.proc
		if p.killed {
			m.exit(t)
		}
		m.syscall(t)
		if p.killed {
			m.exit(t)
		}
	} else {
		switch tf.Trapno {
		case tIRQ0 + irqTimer:
			m.timerintr(c)
		case tIRQ0 + irqIDE:
			m.ideintr(c)
		case tIRQ0 + irqSpurious:
			logger.Warnf("cpu%d: spurious interrupt at %#x:%#x", c.id, tf.Cs, tf.Eip)
		default:
			if t == nil || !tf.userMode() {
				// Faults in the kernel are always our bug.
				panicf("trap %d from kernel: eip %#x", tf.Trapno, tf.Eip)
			}
			logger.Warnf("pid %d %s: trap %d err %d on cpu%d eip %#x -- kill proc",
				t.proc.pid, t.proc.name, tf.Trapno, tf.Err, c.id, tf.Eip)
			t.proc.killed = true
		}
	}

	if t == nil {
		return
	}
	p := t.proc

	// Kill a flagged process before it reenters user space.
	if p.killed && tf.userMode() {
		m.exit(t)
	}

	// Force a reschedule if the timer asked for one while we ran.
	if p.state == RUNNING && c.resched.Swap(false) {
		m.yield(t)
	}

	// The kill may have landed while we were yielded.
	if p.killed && tf.userMode() {
		m.exit(t)
	}
}

// timerintr advances the tick counter (CPU 0's duty in the original;
// here the timer pseudo-CPU stands in for it) and wakes tick
// sleepers, then asks every scheduler CPU to reschedule.
func (m *Machine) timerintr(c *CPU) {
	m.tickslock.acquire(c)
	atomic.AddUint32(&m.ticks, 1)
	m.wakeup(c, &m.ticks)
	m.tickslock.release(c)

	for _, sc := range m.cpus {
		sc.resched.Store(true)
	}
}

// tickloop delivers timer interrupts from a dedicated pseudo-CPU.
func (m *Machine) tickloop(c *CPU) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for range ticker.C {
		if m.stopping.Load() {
			return
		}
		tf := Trapframe{Trapno: tIRQ0 + irqTimer, Cs: segKCode}
		m.trap(c, nil, &tf)
	}
}

// Ticks returns the current tick count; racy by design, for
// diagnostics and tests.
func (m *Machine) Ticks() uint32 {
	return atomic.LoadUint32(&m.ticks)
}
