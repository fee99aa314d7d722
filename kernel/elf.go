// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "encoding/binary"

// ELF32 executable format, the subset exec needs.

const elfMagic = 0x464C457F // "\x7FELF" in little endian

const elfProgLoad = 1 // loadable program segment

const (
	elfHeaderSize = 52
	progHeaderSize = 32
)

type elfHdr struct {
	magic     uint32
	ident     [12]byte
	typ       uint16
	machine   uint16
	version   uint32
	entry     uint32
	phoff     uint32
	shoff     uint32
	flags     uint32
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

type progHdr struct {
	typ    uint32
	off    uint32
	vaddr  uint32
	paddr  uint32
	filesz uint32
	memsz  uint32
	flags  uint32
	align  uint32
}

func decodeElfHdr(b []byte, h *elfHdr) {
	le := binary.LittleEndian
	h.magic = le.Uint32(b[0:])
	copy(h.ident[:], b[4:16])
	h.typ = le.Uint16(b[16:])
	h.machine = le.Uint16(b[18:])
	h.version = le.Uint32(b[20:])
	h.entry = le.Uint32(b[24:])
	h.phoff = le.Uint32(b[28:])
	h.shoff = le.Uint32(b[32:])
	h.flags = le.Uint32(b[36:])
	h.ehsize = le.Uint16(b[40:])
	h.phentsize = le.Uint16(b[42:])
	h.phnum = le.Uint16(b[44:])
	h.shentsize = le.Uint16(b[46:])
	h.shnum = le.Uint16(b[48:])
	h.shstrndx = le.Uint16(b[50:])
}

func decodeProgHdr(b []byte, ph *progHdr) {
	le := binary.LittleEndian
	ph.typ = le.Uint32(b[0:])
	ph.off = le.Uint32(b[4:])
	ph.vaddr = le.Uint32(b[8:])
	ph.paddr = le.Uint32(b[12:])
	ph.filesz = le.Uint32(b[16:])
	ph.memsz = le.Uint32(b[20:])
	ph.flags = le.Uint32(b[24:])
	ph.align = le.Uint32(b[28:])
}
