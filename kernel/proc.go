// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"sync/atomic"
	"time"

	"github.com/gvix/gvix/disklayout"
	"github.com/gvix/gvix/internal/logger"
)

type procState int

const (
	UNUSED procState = iota
	EMBRYO
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

func (s procState) String() string {
	switch s {
	case UNUSED:
		return "unused"
	case EMBRYO:
		return "embryo"
	case SLEEPING:
		return "sleep"
	case RUNNABLE:
		return "runnable"
	case RUNNING:
		return "run"
	case ZOMBIE:
		return "zombie"
	}
	return "???"
}

// Proc is one process slot. The process table is the sole authority
// on process state; every state transition happens under its lock.
type Proc struct {
	sz     uint32    // size of process memory (bytes)
	pgdir  uint32    // page directory
	kstack uint32    // kernel stack page for this process
	state  procState
	pid    int
	parent *Proc
	tf     *Trapframe
	kt     *KThread // saved context; swtch target
	chanv  any      // if non-nil, sleeping on this channel
	killed bool
	ofile  [NOFILE]*File
	cwd    *Inode
	name   string // debugging

	run       UserProg // user-level computation of this process
	forkChild UserProg // continuation staged for the next fork
}

// Pid returns the process id.
func (p *Proc) Pid() int { return p.pid }

type ptable struct {
	lock Spinlock
	proc [NPROC]Proc

	initproc *Proc
	first    bool // first process has not yet run forkret
}

func (m *Machine) pinit() {
	initlock(&m.ptable.lock, "ptable")
	m.ptable.first = true
}

// allocproc finds an UNUSED slot, marks it EMBRYO and sets up its
// kernel thread so that the first context switch into it lands in
// forkret with the process-table lock held.
func (m *Machine) allocproc(c *CPU) *Proc {
	pt := &m.ptable
	pt.lock.acquire(c)
	var p *Proc
	for i := range pt.proc {
		if pt.proc[i].state == UNUSED {
			p = &pt.proc[i]
			break
		}
	}
	if p == nil {
		pt.lock.release(c)
		return nil
	}
	p.state = EMBRYO
	p.pid = int(atomic.AddInt32(&m.nextpid, 1))
	pt.lock.release(c)

	p.kstack = m.kalloc(c)
	if p.kstack == 0 {
		p.state = UNUSED
		return nil
	}
	p.tf = &Trapframe{}
	p.killed = false
	p.kt = newKThread(p)

	// The trampoline: the goroutine parks until a scheduler hands it
	// the run token, runs forkret, then "returns to user mode" by
	// invoking the process's program.
	go m.procThread(p, p.kt)

	return p
}

func (m *Machine) procThread(p *Proc, t *KThread) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(procExit); ok {
				return
			}
			if ke, ok := r.(*KernelError); ok {
				// A kernel panic halts the machine; surface it to
				// whoever is watching instead of killing the host
				// process.
				m.halt()
				m.crashc <- ke
				return
			}
			panic(r)
		}
	}()
	<-t.run
	if t.dead {
		return // slot torn down before first scheduling
	}
	m.forkret(t)
	var code int
	if p.run != nil {
		code = p.run(&Sys{m: m, t: t})
	}
	_ = code
	m.exit(t) // does not return
}

// forkret is the first thing a new process runs: it releases the
// process-table lock inherited from the scheduler that picked it, and
// on the machine's very first scheduling performs the filesystem
// bring-up that needs a process context.
func (m *Machine) forkret(t *KThread) {
	pt := &m.ptable
	pt.lock.release(t.cpu)

	if pt.first {
		// Some initialization must sleep, which can't happen until a
		// process exists: reading the superblock and log recovery.
		pt.first = false
		m.iinit(t, ROOTDEV)
		m.initlog(t, ROOTDEV)
	}
}

// initcode is the bootstrap image copied to virtual address 0 of the
// first process; the simulation keeps the original's exec("/init")
// calling sequence as data even though instructions are not executed.
var initcode = []byte{
	0x6a, 0x00, 0x68, 0x00, 0x00, 0x00, 0x00, 0xb8,
	0x09, 0x00, 0x00, 0x00, 0xcd, 0x40, 0xeb, 0xfc,
	'/', 'i', 'n', 'i', 't', 0x00,
}

// userinit builds process 1.
func (m *Machine) userinit(c *CPU) {
	p := m.allocproc(c)
	if p == nil {
		panicf("userinit: no process slot")
	}
	m.ptable.initproc = p
	p.pgdir = m.setupkvm(c)
	if p.pgdir == 0 {
		panicf("userinit: out of memory")
	}
	m.inituvm(c, p.pgdir, initcode)
	p.sz = PGSIZE
	*p.tf = Trapframe{
		Cs:     segUCode,
		Ds:     segUData,
		Es:     segUData,
		Ss:     segUData,
		Eflags: flIF,
		Esp:    PGSIZE,
		Eip:    0, // beginning of initcode
	}
	p.name = "initcode"
	p.run = m.initProg
	p.cwd = m.iget(c, ROOTDEV, disklayout.RootInum)

	m.ptable.lock.acquire(c)
	p.state = RUNNABLE
	m.ptable.lock.release(c)
}

// growproc grows or shrinks the current process's memory by n bytes.
func (m *Machine) growproc(t *KThread, n int) bool {
	p := t.proc
	sz := p.sz
	if n > 0 {
		sz = m.allocuvm(t.cpu, p.pgdir, sz, sz+uint32(n))
		if sz == 0 {
			return false
		}
	} else if n < 0 {
		sz = m.deallocuvm(t.cpu, p.pgdir, sz, sz-uint32(-n))
	}
	p.sz = sz
	m.switchuvm(t.cpu, p)
	return true
}

// fork creates a child duplicating the caller's address space and
// open files. The child's user continuation was staged in forkChild
// by the system-call wrapper; its trapframe is the parent's with the
// syscall-return register forced to zero.
func (m *Machine) fork(t *KThread) int {
	curproc := t.proc
	np := m.allocproc(t.cpu)
	if np == nil {
		return -1
	}

	np.pgdir = m.copyuvm(t.cpu, curproc.pgdir, curproc.sz)
	if np.pgdir == 0 {
		m.kfree(t.cpu, np.kstack)
		np.kstack = 0
		np.state = UNUSED
		np.kt.dead = true
		close(np.kt.run)
		return -1
	}
	np.sz = curproc.sz
	np.parent = curproc
	*np.tf = *curproc.tf
	np.tf.Eax = 0 // fork returns 0 in the child

	for i := range curproc.ofile {
		if curproc.ofile[i] != nil {
			np.ofile[i] = m.filedup(t.cpu, curproc.ofile[i])
		}
	}
	np.cwd = m.idup(t.cpu, curproc.cwd)
	np.name = curproc.name
	np.run = curproc.forkChild
	curproc.forkChild = nil

	pid := np.pid
	m.ptable.lock.acquire(t.cpu)
	np.state = RUNNABLE
	m.ptable.lock.release(t.cpu)
	return pid
}

// exit closes the process's resources, reparents its children to
// init, marks it ZOMBIE and yields forever. It does not return.
func (m *Machine) exit(t *KThread) {
	pt := &m.ptable
	curproc := t.proc
	if curproc == pt.initproc {
		logger.Warnf("init exiting")
	}

	for fd := range curproc.ofile {
		if curproc.ofile[fd] != nil {
			m.fileclose(t, curproc.ofile[fd])
			curproc.ofile[fd] = nil
		}
	}

	m.beginOp(t)
	m.iput(t, curproc.cwd)
	m.endOp(t)
	curproc.cwd = nil

	pt.lock.acquire(t.cpu)

	m.wakeup1(curproc.parent)

	// Pass abandoned children to init.
	for i := range pt.proc {
		p := &pt.proc[i]
		if p.parent == curproc {
			p.parent = pt.initproc
			if p.state == ZOMBIE {
				m.wakeup1(pt.initproc)
			}
		}
	}

	curproc.state = ZOMBIE
	m.sched(t)
	panicf("zombie exit")
}

// wait blocks until a child exits, then frees its slot and returns
// its pid; -1 if the caller has no children.
func (m *Machine) wait(t *KThread) int {
	pt := &m.ptable
	curproc := t.proc
	pt.lock.acquire(t.cpu)
	for {
		havekids := false
		for i := range pt.proc {
			p := &pt.proc[i]
			if p.parent != curproc {
				continue
			}
			havekids = true
			if p.state == ZOMBIE {
				pid := p.pid
				m.kfree(t.cpu, p.kstack)
				p.kstack = 0
				m.freevm(t.cpu, p.pgdir)
				p.pgdir = 0
				p.pid = 0
				p.parent = nil
				p.name = ""
				p.killed = false
				p.state = UNUSED
				p.kt.dead = true
				close(p.kt.run) // unwind the dead kernel thread
				pt.lock.release(t.cpu)
				return pid
			}
		}

		if !havekids || curproc.killed {
			pt.lock.release(t.cpu)
			return -1
		}

		// Wait for a child to exit. (See wakeup1 in exit.)
		m.sleep(t, curproc, &pt.lock)
	}
}

// scheduler is a CPU's dispatch loop: pick a RUNNABLE process, run it
// until it yields back, repeat. Strict round robin by table slot.
func (m *Machine) scheduler(c *CPU) {
	pt := &m.ptable
	for !m.stopping.Load() {
		c.sti()

		found := false
		pt.lock.acquire(c)
		for i := range pt.proc {
			p := &pt.proc[i]
			if p.state != RUNNABLE {
				continue
			}
			c.proc = p
			p.kt.cpu = c
			m.switchuvm(c, p)
			p.state = RUNNING
			swtch(c.sched, p.kt)
			m.switchkvm(c)
			c.proc = nil
			found = true
		}
		pt.lock.release(c)

		if !found {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// sched switches to the scheduler context. The caller holds the
// process-table lock, holds no other lock, and has already updated
// its state.
func (m *Machine) sched(t *KThread) {
	c := t.cpu
	p := t.proc
	if !m.ptable.lock.holding(c) {
		panicf("sched ptable.lock")
	}
	if c.ncli != 1 {
		panicf("sched locks")
	}
	if p.state == RUNNING {
		panicf("sched running")
	}
	if c.ien {
		panicf("sched interruptible")
	}
	intena := c.intena
	swtch(t, c.sched)
	if t.dead {
		panic(procExit{})
	}
	t.cpu.intena = intena
}

// yield gives up the CPU for one scheduling round.
func (m *Machine) yield(t *KThread) {
	m.ptable.lock.acquire(t.cpu)
	t.proc.state = RUNNABLE
	m.sched(t)
	m.ptable.lock.release(t.cpu)
}

// sleep atomically releases lk and parks the process on channel
// chanv; on wakeup it reacquires lk. The handoff through the
// process-table lock is what makes a concurrent wakeup unable to slip
// between the caller's predicate check and the state change.
func (m *Machine) sleep(t *KThread, chanv any, lk *Spinlock) {
	p := t.proc
	if p == nil {
		panicf("sleep")
	}
	if lk == nil {
		panicf("sleep without lk")
	}
	if chanv == nil {
		panicf("sleep on nil chan")
	}

	pt := &m.ptable
	if lk != &pt.lock {
		pt.lock.acquire(t.cpu)
		lk.release(t.cpu)
	}

	p.chanv = chanv
	p.state = SLEEPING

	m.sched(t)

	p.chanv = nil

	if lk != &pt.lock {
		pt.lock.release(t.cpu)
		lk.acquire(t.cpu)
	}
}

// wakeup1 makes every process sleeping on chanv runnable. Caller
// holds the process-table lock.
func (m *Machine) wakeup1(chanv any) {
	for i := range m.ptable.proc {
		p := &m.ptable.proc[i]
		if p.state == SLEEPING && p.chanv == chanv {
			p.state = RUNNABLE
		}
	}
}

// wakeup is wakeup1 for callers not yet holding the process-table
// lock; c is the executing CPU (a pseudo-CPU in interrupt context).
func (m *Machine) wakeup(c *CPU, chanv any) {
	m.ptable.lock.acquire(c)
	m.wakeup1(chanv)
	m.ptable.lock.release(c)
}

// kill flags pid for termination; it exits on its next trap return.
// A sleeping target is made runnable so it can observe the flag.
func (m *Machine) kill(c *CPU, pid int) int {
	pt := &m.ptable
	pt.lock.acquire(c)
	for i := range pt.proc {
		p := &pt.proc[i]
		if p.pid == pid && p.state != UNUSED {
			p.killed = true
			if p.state == SLEEPING {
				p.state = RUNNABLE
			}
			pt.lock.release(c)
			return 0
		}
	}
	pt.lock.release(c)
	return -1
}

// procdump logs the process table for debugging; no locks so it can
// run from a wedged machine.
func (m *Machine) procdump() {
	for i := range m.ptable.proc {
		p := &m.ptable.proc[i]
		if p.state == UNUSED {
			continue
		}
		logger.Infof("%d %s %s", p.pid, p.state, p.name)
	}
}
