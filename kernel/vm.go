// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "encoding/binary"

// Page tables are materialized inside the physical arena: a page
// directory is one page of 1024 little-endian PTEs, each leaf PTE the
// physical page address plus flag bits. The simulated MMU state is
// CPU.cr3.

func (m *Machine) readpte(pa uint32) uint32 {
	return binary.LittleEndian.Uint32(m.pmem(pa, 4))
}

func (m *Machine) writepte(pa, v uint32) {
	binary.LittleEndian.PutUint32(m.pmem(pa, 4), v)
}

// walkpgdir returns the physical address of the PTE in pgdir that
// corresponds to va, optionally allocating a page-table page on a
// directory miss. Zero means the walk failed.
func (m *Machine) walkpgdir(c *CPU, pgdir, va uint32, alloc bool) uint32 {
	pdeAddr := pgdir + 4*pdx(va)
	pde := m.readpte(pdeAddr)

	var pgtab uint32
	if pde&PTE_P != 0 {
		pgtab = pteAddr(pde)
	} else {
		if !alloc {
			return 0
		}
		pgtab = m.kallocZero(c)
		if pgtab == 0 {
			return 0
		}
		// Permissions here are overly generous; the leaf PTE holds
		// the restrictive bits.
		m.writepte(pdeAddr, pgtab|PTE_P|PTE_W|PTE_U)
	}
	return pgtab + 4*ptx(va)
}

// mappages creates PTEs for [va, va+size) referring to physical
// [pa, pa+size). Remapping a present page is a fatal error.
func (m *Machine) mappages(c *CPU, pgdir, va, size, pa, perm uint32) bool {
	a := pgRoundDown(va)
	last := pgRoundDown(va + size - 1)
	for {
		pte := m.walkpgdir(c, pgdir, a, true)
		if pte == 0 {
			return false
		}
		if m.readpte(pte)&PTE_P != 0 {
			panicf("remap va %#x", a)
		}
		m.writepte(pte, pa|perm|PTE_P)
		if a == last {
			break
		}
		a += PGSIZE
		pa += PGSIZE
	}
	return true
}

// kmap describes the kernel's mappings, present in every page table:
// the I/O hole, kernel text and rodata (read-only), kernel data plus
// free memory, and the memory-mapped device range.
type kmapEntry struct {
	virt  uint32
	start uint32 // phys
	end   uint32 // phys; 0 means 4 GiB
	perm  uint32
}

func (m *Machine) kmap() []kmapEntry {
	return []kmapEntry{
		{KERNBASE, 0, EXTMEM, PTE_W},                          // I/O space
		{KERNLINK, V2P(KERNLINK), V2P(kernelData), 0},         // kernel text+rodata
		{kernelData, V2P(kernelData), m.physTop, PTE_W},       // kernel data+memory
		{DEVSPACE, DEVSPACE, 0, PTE_W},                        // devices
	}
}

// setupkvm allocates a page directory holding only the kernel
// mappings. Returns 0 when out of memory.
func (m *Machine) setupkvm(c *CPU) uint32 {
	pgdir := m.kallocZero(c)
	if pgdir == 0 {
		return 0
	}
	for _, k := range m.kmap() {
		end := k.end
		var size uint32
		if end == 0 {
			size = -k.start // wraps: maps up to 4 GiB
		} else {
			size = end - k.start
		}
		if !m.mappages(c, pgdir, k.virt, size, k.start, k.perm) {
			m.freevm(c, pgdir)
			return 0
		}
	}
	return pgdir
}

// kvmalloc builds the kernel-only page directory used by the
// scheduler when no process is running.
func (m *Machine) kvmalloc() {
	m.kpgdir = m.setupkvm(nil)
	if m.kpgdir == 0 {
		panicf("kvmalloc")
	}
	for _, c := range m.cpus {
		m.switchkvm(c)
	}
}

// switchkvm installs the kernel-only page table.
func (m *Machine) switchkvm(c *CPU) {
	c.cr3 = m.kpgdir
}

// switchuvm installs p's page table and points the simulated task
// state at p's kernel stack, so the next trap runs on it.
func (m *Machine) switchuvm(c *CPU, p *Proc) {
	if p == nil {
		panicf("switchuvm: no process")
	}
	if p.kstack == 0 {
		panicf("switchuvm: no kstack")
	}
	if p.pgdir == 0 {
		panicf("switchuvm: no pgdir")
	}
	c.pushcli()
	c.cr3 = p.pgdir
	c.popcli()
}

// inituvm maps one zeroed page at virtual address 0 and copies init's
// bootstrap image into it. Used only for the first process.
func (m *Machine) inituvm(c *CPU, pgdir uint32, src []byte) {
	if len(src) >= PGSIZE {
		panicf("inituvm: more than a page")
	}
	pa := m.kallocZero(c)
	if pa == 0 {
		panicf("inituvm: out of memory")
	}
	if !m.mappages(c, pgdir, 0, PGSIZE, pa, PTE_W|PTE_U) {
		panicf("inituvm: mappages")
	}
	copy(m.page(pa), src)
}

// loaduvm copies a program segment from ip into already-mapped pages
// of pgdir. va must be page-aligned.
func (m *Machine) loaduvm(t *KThread, pgdir, va uint32, ip *Inode, off, sz uint32) bool {
	if va%PGSIZE != 0 {
		panicf("loaduvm: addr not page aligned")
	}
	for i := uint32(0); i < sz; i += PGSIZE {
		pte := m.walkpgdir(t.cpu, pgdir, va+i, false)
		if pte == 0 {
			panicf("loaduvm: address not mapped")
		}
		pa := pteAddr(m.readpte(pte))
		n := sz - i
		if n > PGSIZE {
			n = PGSIZE
		}
		if m.readi(t, ip, m.pmem(pa, n), off+i) != int(n) {
			return false
		}
	}
	return true
}

// allocuvm grows a user address space from oldsz to newsz with
// zeroed, user-mapped pages. On failure every partial allocation is
// undone and 0 is returned.
func (m *Machine) allocuvm(c *CPU, pgdir, oldsz, newsz uint32) uint32 {
	if newsz >= KERNBASE {
		return 0
	}
	if newsz < oldsz {
		return oldsz
	}

	for a := pgRoundUp(oldsz); a < newsz; a += PGSIZE {
		pa := m.kallocZero(c)
		if pa == 0 {
			m.deallocuvm(c, pgdir, newsz, oldsz)
			return 0
		}
		if !m.mappages(c, pgdir, a, PGSIZE, pa, PTE_W|PTE_U) {
			m.kfree(c, pa)
			m.deallocuvm(c, pgdir, newsz, oldsz)
			return 0
		}
	}
	return newsz
}

// deallocuvm shrinks a user address space from oldsz to newsz,
// unmapping and freeing the pages. Returns the new size.
func (m *Machine) deallocuvm(c *CPU, pgdir, oldsz, newsz uint32) uint32 {
	if newsz >= oldsz {
		return oldsz
	}
	for a := pgRoundUp(newsz); a < oldsz; a += PGSIZE {
		pte := m.walkpgdir(c, pgdir, a, false)
		if pte == 0 {
			// No page table here; skip to the next directory slot.
			a = (a>>pdxShift+1)<<pdxShift - PGSIZE
			continue
		}
		v := m.readpte(pte)
		if v&PTE_P != 0 {
			pa := pteAddr(v)
			if pa == 0 {
				panicf("deallocuvm: zero pte")
			}
			m.kfree(c, pa)
			m.writepte(pte, 0)
		}
	}
	return newsz
}

// freevm frees all user pages of pgdir, then the page-table pages,
// then the directory itself.
func (m *Machine) freevm(c *CPU, pgdir uint32) {
	if pgdir == 0 {
		panicf("freevm: no pgdir")
	}
	m.deallocuvm(c, pgdir, KERNBASE, 0)
	// Page-table pages are private to this directory even where the
	// frames they map are shared kernel memory.
	for i := uint32(0); i < nPDEntries; i++ {
		pde := m.readpte(pgdir + 4*i)
		if pde&PTE_P != 0 {
			m.kfree(c, pteAddr(pde))
		}
	}
	m.kfree(c, pgdir)
}

// clearpteu drops the user bit on the page at va, turning it into the
// inaccessible guard page below the user stack.
func (m *Machine) clearpteu(c *CPU, pgdir, va uint32) {
	pte := m.walkpgdir(c, pgdir, va, false)
	if pte == 0 {
		panicf("clearpteu")
	}
	m.writepte(pte, m.readpte(pte)&^PTE_U)
}

// copyuvm duplicates a parent's address space for fork: a fresh page
// directory whose user range maps fresh physical pages with identical
// bytes and permissions. Returns 0 on failure.
func (m *Machine) copyuvm(c *CPU, pgdir, sz uint32) uint32 {
	d := m.setupkvm(c)
	if d == 0 {
		return 0
	}
	for i := uint32(0); i < sz; i += PGSIZE {
		pte := m.walkpgdir(c, pgdir, i, false)
		if pte == 0 {
			panicf("copyuvm: pte should exist")
		}
		v := m.readpte(pte)
		if v&PTE_P == 0 {
			panicf("copyuvm: page not present")
		}
		pa := pteAddr(v)
		flags := pteFlags(v)
		npa := m.kalloc(c)
		if npa == 0 {
			m.freevm(c, d)
			return 0
		}
		copy(m.page(npa), m.page(pa))
		if !m.mappages(c, d, i, PGSIZE, npa, flags) {
			m.kfree(c, npa)
			m.freevm(c, d)
			return 0
		}
	}
	return d
}

// uva2ka translates a user virtual address to a physical address,
// refusing pages that are unmapped or not user-accessible. Zero means
// failure.
func (m *Machine) uva2ka(c *CPU, pgdir, uva uint32) uint32 {
	pte := m.walkpgdir(c, pgdir, uva, false)
	if pte == 0 {
		return 0
	}
	v := m.readpte(pte)
	if v&PTE_P == 0 || v&PTE_U == 0 {
		return 0
	}
	return pteAddr(v)
}

// copyout copies len(src) bytes from the kernel into user address va
// of pgdir, page by page. Fails on any unmapped or non-user page.
func (m *Machine) copyout(c *CPU, pgdir, va uint32, src []byte) bool {
	n := uint32(len(src))
	for n > 0 {
		va0 := pgRoundDown(va)
		pa0 := m.uva2ka(c, pgdir, va0)
		if pa0 == 0 {
			return false
		}
		cnt := PGSIZE - (va - va0)
		if cnt > n {
			cnt = n
		}
		copy(m.pmem(pa0+(va-va0), cnt), src[:cnt])
		src = src[cnt:]
		n -= cnt
		va = va0 + PGSIZE
	}
	return true
}

// copyin copies len(dst) bytes from user address va of pgdir into the
// kernel, with the same page checks as copyout.
func (m *Machine) copyin(c *CPU, pgdir, va uint32, dst []byte) bool {
	n := uint32(len(dst))
	for n > 0 {
		va0 := pgRoundDown(va)
		pa0 := m.uva2ka(c, pgdir, va0)
		if pa0 == 0 {
			return false
		}
		cnt := PGSIZE - (va - va0)
		if cnt > n {
			cnt = n
		}
		copy(dst[:cnt], m.pmem(pa0+(va-va0), cnt))
		dst = dst[cnt:]
		n -= cnt
		va = va0 + PGSIZE
	}
	return true
}
