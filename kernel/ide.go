// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "github.com/gvix/gvix/internal/logger"

// Disk request queue: a FIFO of buffers with one request in flight.
// The driver behind it is an external collaborator; it executes
// requests asynchronously and raises a completion interrupt, on which
// the handler finishes the head request and starts the next.

// DiskDriver is the contract a disk driver implements.
type DiskDriver interface {
	// Init prepares the device. complete must be called exactly once
	// per started request, from the driver's own goroutine, passing
	// the sector payload for reads and nil for writes; it delivers
	// the completion interrupt.
	Init(complete func(data []byte)) error

	// Start begins one request. For writes, data is the payload to
	// store and remains valid until completion is raised. For reads,
	// data is nil.
	Start(write bool, blockno uint32, data []byte)
}

type idequeue struct {
	lock   Spinlock
	queue  *Buf // head is the request in flight
	driver DiskDriver
	cpu    *CPU   // interrupt context
	done   []byte // read payload of the completed request
}

func (m *Machine) ideinit(d DiskDriver) {
	q := &m.ide
	initlock(&q.lock, "ide")
	q.driver = d
	q.cpu = m.newIntrCPU("ide")
	if err := d.Init(m.ideComplete); err != nil {
		panicf("ideinit: %v", err)
	}
}

// ideComplete runs on the driver's goroutine: it stages the read
// payload and delivers the completion interrupt.
func (m *Machine) ideComplete(data []byte) {
	m.ide.done = data
	tf := Trapframe{Trapno: tIRQ0 + irqIDE, Cs: segKCode}
	m.trap(m.ide.cpu, nil, &tf)
}

// idestart hands the queue head to the driver.
func (m *Machine) idestart(b *Buf) {
	if b == nil {
		panicf("idestart")
	}
	if b.flags&bDirty != 0 {
		m.ide.driver.Start(true, b.blockno, b.data[:])
	} else {
		m.ide.driver.Start(false, b.blockno, nil)
	}
}

// ideintr finishes the request at the head of the queue and starts
// the next one.
func (m *Machine) ideintr(c *CPU) {
	q := &m.ide
	q.lock.acquire(c)

	b := q.queue
	if b == nil {
		logger.Warnf("spurious IDE interrupt")
		q.lock.release(c)
		return
	}
	q.queue = b.qnext

	// Read data in if needed.
	if b.flags&bDirty == 0 && q.done != nil {
		copy(b.data[:], q.done)
	}
	q.done = nil
	b.flags |= bValid
	b.flags &^= bDirty
	m.wakeup(c, b)

	if q.queue != nil {
		m.idestart(q.queue)
	}

	q.lock.release(c)
}

// iderw syncs b with the disk: writes it if dirty, otherwise reads it
// in. The caller holds b's sleeplock; iderw sleeps until the
// completion handler marks the buffer done. Disk I/O is not
// cancellable: a killed process still waits for its request.
func (m *Machine) iderw(t *KThread, b *Buf) {
	if !b.lock.holdingsleep(t) {
		panicf("iderw: buf not locked")
	}
	if b.flags&(bValid|bDirty) == bValid {
		panicf("iderw: nothing to do")
	}

	q := &m.ide
	q.lock.acquire(t.cpu)

	// Append to the queue.
	b.qnext = nil
	pp := &q.queue
	for *pp != nil {
		pp = &(*pp).qnext
	}
	*pp = b

	// Start the disk if idle.
	if q.queue == b {
		m.idestart(b)
	}

	// Wait for the request to finish.
	for b.flags&(bValid|bDirty) != bValid {
		m.sleep(t, b, &q.lock)
	}

	q.lock.release(t.cpu)
}
