// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario: pipe through fork.
func TestPipeThroughFork(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		var fd [2]int
		require.Zero(t, sys.Pipe(&fd))

		pid := sys.Fork(func(child *Sys) int {
			child.Write(fd[1], []byte("Q"))
			child.Exit()
			return 0
		})
		require.Positive(t, pid)
		require.Equal(t, pid, sys.Wait())

		b := make([]byte, 1)
		require.Equal(t, 1, sys.Read(fd[0], b))
		assert.Equal(t, "Q", string(b))

		sys.Close(fd[0])
		sys.Close(fd[1])
		return 0
	})
}

func TestPipeBulkTransfer(t *testing.T) {
	const total = 10000 // far beyond PIPESIZE, so both sides block
	runProg(t, nil, func(sys *Sys) int {
		var fd [2]int
		require.Zero(t, sys.Pipe(&fd))

		pid := sys.Fork(func(child *Sys) int {
			child.Close(fd[0])
			buf := make([]byte, 250)
			sent := 0
			for sent < total {
				for i := range buf {
					buf[i] = byte(sent + i)
				}
				n := child.Write(fd[1], buf)
				if n != len(buf) {
					child.Exit()
				}
				sent += n
			}
			child.Close(fd[1])
			child.Exit()
			return 0
		})
		require.Positive(t, pid)
		sys.Close(fd[1])

		got := 0
		buf := make([]byte, 333)
		for {
			n := sys.Read(fd[0], buf)
			if n < 0 {
				break // empty and writer closed
			}
			require.Positive(t, n)
			for i := 0; i < n; i++ {
				require.Equal(t, byte(got+i), buf[i], "byte %d garbled", got+i)
			}
			got += n
		}
		assert.Equal(t, total, got)
		require.Equal(t, pid, sys.Wait())
		sys.Close(fd[0])
		return 0
	})
}

func TestPipeInvariantNeverViolated(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		m, kt := sys.m, sys.t
		rf, wf := m.pipealloc(kt)
		require.NotNil(t, rf)
		p := rf.pipe

		check := func() {
			fill := p.nwrite - p.nread
			assert.LessOrEqual(t, fill, uint32(PIPESIZE))
		}

		buf := make([]byte, 100)
		for i := 0; i < 5; i++ {
			require.Equal(t, 100, m.pipewrite(kt, p, buf))
			check()
		}
		require.Equal(t, 12, m.pipewrite(kt, p, buf[:12]))
		// Buffer is full at exactly PIPESIZE.
		require.EqualValues(t, PIPESIZE, p.nwrite-p.nread)

		out := make([]byte, 399)
		require.Equal(t, 399, m.piperead(kt, p, out))
		check()
		require.Equal(t, 113, m.piperead(kt, p, out))
		check()
		require.EqualValues(t, 0, p.nwrite-p.nread)

		m.fileclose(kt, rf)
		m.fileclose(kt, wf)
		return 0
	})
}

func TestPipeReadFailsAfterWriterCloses(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		var fd [2]int
		require.Zero(t, sys.Pipe(&fd))

		require.Equal(t, 3, sys.Write(fd[1], []byte("end")))
		require.Zero(t, sys.Close(fd[1]))

		// Buffered bytes still drain after the writer is gone; an
		// empty pipe with no writer fails the read.
		buf := make([]byte, 16)
		require.Equal(t, 3, sys.Read(fd[0], buf))
		assert.Equal(t, -1, sys.Read(fd[0], buf), "empty pipe with closed writer must fail")
		sys.Close(fd[0])
		return 0
	})
}

func TestPipeWriteFailsAfterReaderCloses(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		var fd [2]int
		require.Zero(t, sys.Pipe(&fd))
		require.Zero(t, sys.Close(fd[0]))
		// The write fills the buffer, then finds no reader to drain it.
		assert.Equal(t, -1, sys.Write(fd[1], make([]byte, PIPESIZE+1)))
		sys.Close(fd[1])
		return 0
	})
}

func TestPipeShortReadReturnsAvailable(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		var fd [2]int
		require.Zero(t, sys.Pipe(&fd))
		require.Equal(t, 4, sys.Write(fd[1], []byte("four")))

		// Ask for more than is buffered; piperead drains what exists
		// without blocking for the rest.
		buf := make([]byte, 100)
		assert.Equal(t, 4, sys.Read(fd[0], buf))
		sys.Close(fd[0])
		sys.Close(fd[1])
		return 0
	})
}
