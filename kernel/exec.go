// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "encoding/binary"

// exec loads the ELF image at path into a fresh page directory, while
// the old one stays live so any error leaves the caller untouched.
// Only after the new address space is completely built — segments
// loaded, guard page cleared, stack prepared with the argv frame — is
// it swapped in and the old one freed.
func (m *Machine) exec(t *KThread, path string, argv []string) int {
	if len(argv) > MAXARG {
		return -1
	}
	curproc := t.proc

	m.beginOp(t)
	ip := m.namei(t, path)
	if ip == nil {
		m.endOp(t)
		return -1
	}
	m.ilock(t, ip)

	var pgdir uint32
	bad := func() int {
		if pgdir != 0 {
			m.freevm(t.cpu, pgdir)
		}
		if ip != nil {
			m.iunlockput(t, ip)
			m.endOp(t)
		}
		return -1
	}

	// Check ELF header.
	var hbuf [elfHeaderSize]byte
	var elf elfHdr
	if m.readi(t, ip, hbuf[:], 0) != elfHeaderSize {
		return bad()
	}
	decodeElfHdr(hbuf[:], &elf)
	if elf.magic != elfMagic {
		return bad()
	}

	pgdir = m.setupkvm(t.cpu)
	if pgdir == 0 {
		return bad()
	}

	// Load program into memory.
	sz := uint32(0)
	var phbuf [progHeaderSize]byte
	var ph progHdr
	off := elf.phoff
	for i := 0; i < int(elf.phnum); i, off = i+1, off+progHeaderSize {
		if m.readi(t, ip, phbuf[:], off) != progHeaderSize {
			return bad()
		}
		decodeProgHdr(phbuf[:], &ph)
		if ph.typ != elfProgLoad {
			continue
		}
		if ph.memsz < ph.filesz {
			return bad()
		}
		if ph.vaddr+ph.memsz < ph.vaddr {
			return bad()
		}
		if ph.vaddr%PGSIZE != 0 {
			return bad()
		}
		if sz = m.allocuvm(t.cpu, pgdir, sz, ph.vaddr+ph.memsz); sz == 0 {
			return bad()
		}
		if !m.loaduvm(t, pgdir, ph.vaddr, ip, ph.off, ph.filesz) {
			return bad()
		}
	}
	m.iunlockput(t, ip)
	m.endOp(t)
	ip = nil

	// Allocate two pages at the next page boundary. The first is an
	// inaccessible guard; the second is the user stack.
	sz = pgRoundUp(sz)
	if sz = m.allocuvm(t.cpu, pgdir, sz, sz+2*PGSIZE); sz == 0 {
		return bad()
	}
	m.clearpteu(t.cpu, pgdir, sz-2*PGSIZE)
	sp := sz

	// Push argument strings, then the array holding their addresses.
	ustack := make([]uint32, 3+len(argv)+1)
	for i, arg := range argv {
		sp = (sp - uint32(len(arg)+1)) &^ 3
		if !m.copyout(t.cpu, pgdir, sp, append([]byte(arg), 0)) {
			return bad()
		}
		ustack[3+i] = sp
	}
	ustack[3+len(argv)] = 0

	ustack[0] = 0xFFFFFFFF // fake return address
	ustack[1] = uint32(len(argv))
	ustack[2] = sp - uint32(len(argv)+1)*4 // argv pointer

	sp -= uint32(len(ustack)) * 4
	frame := make([]byte, len(ustack)*4)
	for i, w := range ustack {
		binary.LittleEndian.PutUint32(frame[4*i:], w)
	}
	if !m.copyout(t.cpu, pgdir, sp, frame) {
		return bad()
	}

	// Save program name for debugging.
	name := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			name = path[i+1:]
			break
		}
	}

	// Commit to the user image.
	oldpgdir := curproc.pgdir
	curproc.name = name
	curproc.pgdir = pgdir
	curproc.sz = sz
	curproc.tf.Eip = elf.entry // main
	curproc.tf.Esp = sp
	m.switchuvm(t.cpu, curproc)
	m.freevm(t.cpu, oldpgdir)
	return 0
}
