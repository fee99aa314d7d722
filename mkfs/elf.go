// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mkfs

import (
	"encoding/binary"
	"fmt"
)

// Minimal ELF32 writer, enough to produce images the kernel's exec
// accepts. Program images placed into a filesystem (and test
// executables) are built with it.

const (
	elfMagic       = 0x464C457F
	elfHeaderSize  = 52
	progHeaderSize = 32
	progLoad       = 1
)

// Segment is one loadable program segment. Memsz past len(Data) is
// zero-filled by the loader.
type Segment struct {
	Vaddr uint32 // page-aligned load address
	Data  []byte
	Memsz uint32 // 0 means len(Data)
}

// ELF assembles an ELF32 executable with the given entry point and
// segments.
func ELF(entry uint32, segs []Segment) ([]byte, error) {
	phoff := uint32(elfHeaderSize)
	dataOff := phoff + uint32(len(segs))*progHeaderSize
	// Keep segment file offsets congruent with their load addresses
	// modulo nothing in particular: the loader only needs offsets.

	var out []byte
	out = append(out, make([]byte, dataOff)...)

	le := binary.LittleEndian
	le.PutUint32(out[0:], elfMagic)
	out[4] = 1 // ELFCLASS32
	out[5] = 1 // little endian
	out[6] = 1 // version
	le.PutUint16(out[16:], 2) // ET_EXEC
	le.PutUint16(out[18:], 3) // EM_386
	le.PutUint32(out[20:], 1)
	le.PutUint32(out[24:], entry)
	le.PutUint32(out[28:], phoff)
	le.PutUint16(out[40:], elfHeaderSize)
	le.PutUint16(out[42:], progHeaderSize)
	le.PutUint16(out[44:], uint16(len(segs)))

	for i, s := range segs {
		if s.Vaddr%4096 != 0 {
			return nil, fmt.Errorf("elf: segment %d vaddr %#x not page aligned", i, s.Vaddr)
		}
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint32(len(s.Data))
		}
		if memsz < uint32(len(s.Data)) {
			return nil, fmt.Errorf("elf: segment %d memsz %d < filesz %d", i, memsz, len(s.Data))
		}
		ph := out[phoff+uint32(i)*progHeaderSize:]
		le.PutUint32(ph[0:], progLoad)
		le.PutUint32(ph[4:], uint32(len(out))) // file offset
		le.PutUint32(ph[8:], s.Vaddr)
		le.PutUint32(ph[12:], s.Vaddr)
		le.PutUint32(ph[16:], uint32(len(s.Data)))
		le.PutUint32(ph[20:], memsz)
		le.PutUint32(ph[24:], 7) // rwx
		le.PutUint32(ph[28:], 4096)
		out = append(out, s.Data...)
	}
	return out, nil
}
