// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "encoding/binary"

// Physical memory allocator, for user memory, kernel stacks,
// page-table pages and pipe buffers. Allocates 4096-byte pages.
//
// The freelist threads through the pages themselves: the first four
// bytes of a free page hold the physical address of the next free
// page, with freeEnd terminating the chain.

const freeEnd uint32 = 0xFFFFFFFF

// freed pages are filled with this to catch dangling references
const junkByte = 1

type kmem struct {
	lock     Spinlock
	useLock  bool
	freelist uint32 // physical address of first free page
	nfree    int
}

// kinit1 seeds the allocator with the pages below four megabytes.
// It runs before the full kernel page table is installed and before
// other CPUs start, so it leaves locking off.
func (m *Machine) kinit1(pstart, pend uint32) {
	initlock(&m.kmem.lock, "kmem")
	m.kmem.useLock = false
	m.kmem.freelist = freeEnd
	m.freerange(pstart, pend)
}

// kinit2 hands over the rest of physical memory and turns locking on.
func (m *Machine) kinit2(pstart, pend uint32) {
	m.freerange(pstart, pend)
	m.kmem.useLock = true
}

func (m *Machine) freerange(pstart, pend uint32) {
	for pa := pgRoundUp(pstart); pa+PGSIZE <= pend; pa += PGSIZE {
		m.kfree(nil, pa)
	}
}

// kfree returns the page at pa to the freelist. Filling with junk
// catches use after free.
func (m *Machine) kfree(c *CPU, pa uint32) {
	if pa%PGSIZE != 0 || pa < kernelEnd || pa >= m.physTop {
		panicf("kfree %#x", pa)
	}

	pg := m.page(pa)
	for i := range pg {
		pg[i] = junkByte
	}

	if m.kmem.useLock {
		m.kmem.lock.acquire(c)
	}
	binary.LittleEndian.PutUint32(pg, m.kmem.freelist)
	m.kmem.freelist = pa
	m.kmem.nfree++
	if m.kmem.useLock {
		m.kmem.lock.release(c)
	}
}

// kalloc allocates one page of physical memory, returning its address
// or zero when memory is exhausted. The page is returned as freed:
// junk-filled, with the scavenged list link overwritten by junk too.
func (m *Machine) kalloc(c *CPU) uint32 {
	if m.kmem.useLock {
		m.kmem.lock.acquire(c)
	}
	pa := m.kmem.freelist
	if pa != freeEnd {
		m.kmem.freelist = binary.LittleEndian.Uint32(m.page(pa))
		m.kmem.nfree--
	}
	if m.kmem.useLock {
		m.kmem.lock.release(c)
	}
	if pa == freeEnd {
		return 0
	}
	pg := m.page(pa)
	pg[0], pg[1], pg[2], pg[3] = junkByte, junkByte, junkByte, junkByte
	return pa
}

// kallocZero allocates one zero-filled page.
func (m *Machine) kallocZero(c *CPU) uint32 {
	pa := m.kalloc(c)
	if pa == 0 {
		return 0
	}
	pg := m.page(pa)
	for i := range pg {
		pg[i] = 0
	}
	return pa
}

// FreePages reports the number of pages on the freelist, for tests
// and diagnostics.
func (m *Machine) FreePages() int {
	return m.kmem.nfree
}
