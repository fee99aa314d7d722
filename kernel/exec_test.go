// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gvix/gvix/mkfs"
)

func echoELF(t *testing.T) []byte {
	t.Helper()
	text := append([]byte("echo program text"), make([]byte, 100)...)
	img, err := mkfs.ELF(0x40, []mkfs.Segment{
		{Vaddr: 0, Data: text, Memsz: 2 * PGSIZE}, // bss past the text
	})
	require.NoError(t, err)
	return img
}

// Scenario: exec argv. User instructions never run, so the argument
// frame exec built is verified by reading the new address space.
func TestExecBuildsArgvFrame(t *testing.T) {
	files := map[string][]byte{"echo": echoELF(t)}
	runProg(t, files, func(sys *Sys) int {
		argv := []string{"echo", "a", "bb"}
		require.Zero(t, sys.Exec("/echo", argv))

		m, p := sys.m, sys.t.proc
		assert.EqualValues(t, 0x40, p.tf.Eip, "entry point")
		assert.Equal(t, "echo", p.name)

		sp := p.tf.Esp
		word := func(va uint32) uint32 {
			var b [4]byte
			require.True(t, m.copyin(sys.t.cpu, p.pgdir, va, b[:]), "read word at %#x", va)
			return binary.LittleEndian.Uint32(b[:])
		}
		str := func(va uint32) string {
			var out []byte
			for {
				var b [1]byte
				require.True(t, m.copyin(sys.t.cpu, p.pgdir, va, b[:]))
				if b[0] == 0 {
					return string(out)
				}
				out = append(out, b[0])
				va++
			}
		}

		assert.Equal(t, uint32(0xFFFFFFFF), word(sp), "fake return address")
		assert.EqualValues(t, len(argv), word(sp+4), "argc")
		argvPtr := word(sp + 8)
		for i, want := range argv {
			assert.Equal(t, want, str(word(argvPtr+4*uint32(i))), "argv[%d]", i)
		}
		assert.Zero(t, word(argvPtr+4*uint32(len(argv))), "argv terminator")

		// Program bytes landed at address 0; bss reads as zero.
		assert.Equal(t, "echo program text", str(0))
		assert.Zero(t, word(PGSIZE+100))

		// The guard page below the stack rejects access.
		var b [1]byte
		assert.False(t, m.copyin(sys.t.cpu, p.pgdir, p.sz-2*PGSIZE, b[:]))
		return 0
	})
}

func TestExecRejectsBadImages(t *testing.T) {
	files := map[string][]byte{
		"notelf": []byte("#!/bin/sh\necho hi\n"),
		"short":  {0x7F, 'E', 'L', 'F'},
	}
	runProg(t, files, func(sys *Sys) int {
		// Plant a marker to prove the old image survives failed execs.
		base := sys.Sbrk(PGSIZE)
		require.GreaterOrEqual(t, base, 0)
		m, p := sys.m, sys.t.proc
		require.True(t, m.copyout(sys.t.cpu, p.pgdir, uint32(base), []byte("survivor")))
		szBefore := p.sz

		assert.Equal(t, -1, sys.Exec("/notelf", []string{"notelf"}))
		assert.Equal(t, -1, sys.Exec("/short", []string{"short"}))
		assert.Equal(t, -1, sys.Exec("/absent", []string{"absent"}))

		assert.Equal(t, szBefore, p.sz, "failed exec must not change the image")
		buf := make([]byte, 8)
		require.True(t, m.copyin(sys.t.cpu, p.pgdir, uint32(base), buf))
		assert.Equal(t, "survivor", string(buf))

		free0 := m.FreePages()
		assert.Equal(t, -1, sys.Exec("/notelf", []string{"x"}))
		assert.Equal(t, free0, m.FreePages(), "failed exec must not leak pages")
		return 0
	})
}

func TestExecRejectsMisalignedSegments(t *testing.T) {
	bad, err := mkfs.ELF(0, []mkfs.Segment{{Vaddr: 0, Data: []byte("ok")}})
	require.NoError(t, err)
	// Corrupt the program header's vaddr to be unaligned.
	binary.LittleEndian.PutUint32(bad[52+8:], 0x10)
	binary.LittleEndian.PutUint32(bad[52+12:], 0x10)

	files := map[string][]byte{"bad": bad}
	runProg(t, files, func(sys *Sys) int {
		assert.Equal(t, -1, sys.Exec("/bad", []string{"bad"}))
		return 0
	})
}

func TestExecTooManyArgs(t *testing.T) {
	files := map[string][]byte{"echo": echoELF(t)}
	runProg(t, files, func(sys *Sys) int {
		argv := make([]string, MAXARG+1)
		for i := range argv {
			argv[i] = "x"
		}
		assert.Equal(t, -1, sys.Exec("/echo", argv))
		return 0
	})
}
