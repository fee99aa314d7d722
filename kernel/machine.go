// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/gvix/gvix/disklayout"
	"github.com/gvix/gvix/internal/logger"
)

// UserProg is a process's user-level computation. The simulation does
// not execute user instructions; a program is a Go function issuing
// system calls through Sys. Returning is equivalent to calling Exit.
type UserProg func(sys *Sys) int

// Config describes a machine to construct.
type Config struct {
	// CPUs is the number of scheduler CPUs, 1..NCPU. Zero means 2.
	CPUs int
	// PhysTop is the top of simulated physical memory. Zero means
	// DefaultPhysTop.
	PhysTop uint32
	// Disk serves block requests for the root device.
	Disk DiskDriver
	// Init is the user program of process 1.
	Init UserProg
	// Clock supplies wall time for inode mtimes and gettime. Zero
	// value means real time.
	Clock timeutil.Clock
	// TickInterval is the simulated timer-interrupt period. Zero
	// means 10ms.
	TickInterval time.Duration
}

// Machine is one booted kernel instance: physical memory, CPUs and
// every kernel subsystem. Subsystems are initialized in a fixed order
// at boot and never torn down; each owns its lock internally.
type Machine struct {
	mem     []byte // physical memory arena
	physTop uint32

	cpus     []*CPU // scheduler CPUs
	intrCPUs []*CPU // pseudo-CPUs lending interrupt handlers a context

	kmem   kmem
	ptable ptable
	bcache bcache
	ide    idequeue
	log    fslog
	icache icache
	ftable ftable
	devsw  [NDEV]Devsw

	kpgdir uint32 // kernel-only page directory, used when no process runs
	sb     disklayout.Superblock

	ticks     uint32
	tickslock Spinlock

	clock        timeutil.Clock
	tickInterval time.Duration
	initProg     UserProg

	bootCPU *CPU // context for pre-scheduling initialization

	nextpid  int32
	booted   bool
	stopping atomic.Bool
	stopped  chan struct{} // closed when the machine has halted
	stopOnce sync.Once
	halted   atomic.Int32
	crashc   chan *KernelError
}

// New builds a machine and runs the boot sequence up to the point
// where scheduling starts: allocator bring-up, the kernel page table,
// the process table, buffer cache, file table and disk queue. Boot
// then creates the first process and releases the CPUs.
func New(cfg Config) (*Machine, error) {
	ncpu := cfg.CPUs
	if ncpu == 0 {
		ncpu = 2
	}
	if ncpu < 1 || ncpu > NCPU {
		return nil, fmt.Errorf("kernel: %d cpus outside 1..%d", ncpu, NCPU)
	}
	physTop := cfg.PhysTop
	if physTop == 0 {
		physTop = DefaultPhysTop
	}
	if physTop%PGSIZE != 0 || physTop <= kernelEnd || physTop > KERNBASE {
		return nil, fmt.Errorf("kernel: bad PhysTop %#x", physTop)
	}
	if cfg.Disk == nil {
		return nil, fmt.Errorf("kernel: no disk attached")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	tick := cfg.TickInterval
	if tick == 0 {
		tick = 10 * time.Millisecond
	}

	m := &Machine{
		mem:          make([]byte, physTop),
		physTop:      physTop,
		clock:        clock,
		tickInterval: tick,
		initProg:     cfg.Init,
		stopped:      make(chan struct{}),
		crashc:       make(chan *KernelError, NPROC),
	}
	for i := 0; i < ncpu; i++ {
		c := &CPU{id: i, m: m, name: fmt.Sprintf("cpu%d", i)}
		c.sched = newKThread(nil)
		c.sched.cpu = c
		m.cpus = append(m.cpus, c)
	}
	m.bootCPU = m.newIntrCPU("boot")

	// Boot order follows the original main():
	m.kinit1(kernelEnd, 4*1024*1024) // phase one: first 4 MiB, unlocked
	m.kvmalloc()                     // kernel page table
	m.pinit()                        // process table
	initlock(&m.tickslock, "time")
	m.binit()    // buffer cache
	m.fileinit() // file table
	m.ideinit(cfg.Disk)
	m.kinit2(4*1024*1024, physTop) // phase two: rest of memory, locked

	return m, nil
}

// Boot creates the first user process and starts the scheduler CPUs
// and the timer. The filesystem (inode cache bring-up and log
// recovery) initializes inside the first process's context, exactly
// once, on its first scheduling.
func (m *Machine) Boot() {
	if m.booted {
		panicf("boot: already booted")
	}
	m.booted = true
	m.userinit(m.bootCPU)
	for _, c := range m.cpus {
		go m.mpmain(c)
	}
	go m.tickloop(m.newIntrCPU("timer"))
	logger.Infof("gvix: booted with %d cpus, %d KiB physical memory",
		len(m.cpus), m.physTop/1024)
}

// mpmain is a scheduler CPU's entry point.
func (m *Machine) mpmain(c *CPU) {
	logger.Debugf("%s: starting", c.name)
	m.scheduler(c)
	m.halted.Add(1)
	if int(m.halted.Load()) == len(m.cpus) {
		m.halt()
	}
}

// halt marks the machine stopped. A kernel panic reaches it directly:
// the panicking thread's CPU never returns to its dispatch loop, so
// waiting for every scheduler would wait forever.
func (m *Machine) halt() {
	m.stopping.Store(true)
	m.stopOnce.Do(func() { close(m.stopped) })
}

// Shutdown halts the scheduler CPUs after their current dispatch and
// stops the timer. Processes parked in sleep stay parked; the machine
// is not reusable afterwards.
func (m *Machine) Shutdown() {
	if m.stopping.Swap(true) || !m.booted {
		return
	}
	<-m.stopped
}

// newIntrCPU registers a pseudo-CPU giving one interrupt source an
// execution context. Interrupt handlers acquire spinlocks on it under
// the normal pushcli/popcli discipline; it is never scheduled.
func (m *Machine) newIntrCPU(name string) *CPU {
	c := &CPU{id: len(m.cpus) + len(m.intrCPUs), m: m, name: name, intr: true}
	m.intrCPUs = append(m.intrCPUs, c)
	return c
}

// Crashed delivers kernel panics raised on process threads. A receive
// means the machine is wedged beyond recovery.
func (m *Machine) Crashed() <-chan *KernelError { return m.crashc }

// Superblock returns the root filesystem's superblock. Valid once the
// first process has run (filesystem bring-up happens there).
func (m *Machine) Superblock() disklayout.Superblock { return m.sb }

// page returns the physical page frame containing pa.
func (m *Machine) page(pa uint32) []byte {
	if pa >= m.physTop {
		panicf("page: pa %#x beyond phystop", pa)
	}
	base := pa &^ (PGSIZE - 1)
	return m.mem[base : base+PGSIZE]
}

// pmem returns n physical bytes starting at pa.
func (m *Machine) pmem(pa, n uint32) []byte {
	if pa+n > m.physTop || pa+n < pa {
		panicf("pmem: [%#x,+%#x) beyond phystop", pa, n)
	}
	return m.mem[pa : pa+n]
}
