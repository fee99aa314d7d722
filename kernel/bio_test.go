// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkCacheUnique asserts the at-most-one-buffer-per-block
// invariant. Caller runs in process context.
func checkCacheUnique(t *testing.T, sys *Sys) {
	bc := &sys.m.bcache
	bc.lock.acquire(sys.t.cpu)
	defer bc.lock.release(sys.t.cpu)

	type key struct{ dev, blockno uint32 }
	seen := map[key]int{}
	n := 0
	for b := bc.head.next; b != &bc.head; b = b.next {
		if b.flags&bValid != 0 || b.refcnt > 0 {
			seen[key{b.dev, b.blockno}]++
		}
		n++
	}
	assert.Equal(t, NBUF, n, "every buffer is on the list exactly once")
	for k, cnt := range seen {
		assert.Equal(t, 1, cnt, "block %v cached %d times", k, cnt)
	}
}

func TestBreadCachesBlocks(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		m, kt := sys.m, sys.t

		b1 := m.bread(kt, ROOTDEV, 1)
		require.NotZero(t, b1.flags&bValid)
		require.EqualValues(t, 1, b1.refcnt)
		m.brelse(kt, b1)

		// Second read hits the same buffer without touching the disk.
		reads0 := diskReads(sys)
		b2 := m.bread(kt, ROOTDEV, 1)
		assert.Same(t, b1, b2, "one buffer per (dev, blockno)")
		assert.Equal(t, reads0, diskReads(sys))
		m.brelse(kt, b2)

		checkCacheUnique(t, sys)
		return 0
	})
}

func diskReads(sys *Sys) int {
	d := sys.m.ide.driver.(*testDisk)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

func TestBwriteRoundTrip(t *testing.T) {
	tm := startMachine(t, newTestDisk(testImage(t, nil)), func(sys *Sys) int {
		m, kt := sys.m, sys.t

		// Scribble on a block far past the filesystem metadata.
		const bno = 1900
		b := m.bread(kt, ROOTDEV, bno)
		copy(b.data[:], "bwrite round trip")
		m.bwrite(kt, b)
		m.brelse(kt, b)
		return 0
	})
	require.Zero(t, tm.wait(t))

	img := tm.disk.snapshot()
	assert.Equal(t, "bwrite round trip", string(img[1900*BSIZE:1900*BSIZE+17]))
}

func TestBrelseMovesToMRUFront(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		m, kt := sys.m, sys.t

		b := m.bread(kt, ROOTDEV, 42)
		m.brelse(kt, b)

		bc := &m.bcache
		bc.lock.acquire(kt.cpu)
		assert.Same(t, b, bc.head.next, "released buffer must be most recently used")
		bc.lock.release(kt.cpu)
		return 0
	})
}

func TestLRURecyclesOldest(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		m, kt := sys.m, sys.t

		// Touch block 100 first, then flood the cache with NBUF more
		// blocks; block 100's buffer must be the one recycled.
		b := m.bread(kt, ROOTDEV, 100)
		m.brelse(kt, b)
		for i := 0; i < NBUF; i++ {
			x := m.bread(kt, ROOTDEV, uint32(200+i))
			m.brelse(kt, x)
		}

		bc := &m.bcache
		bc.lock.acquire(kt.cpu)
		found := false
		for bb := bc.head.next; bb != &bc.head; bb = bb.next {
			if bb.dev == ROOTDEV && bb.blockno == 100 && bb.flags&bValid != 0 {
				found = true
			}
		}
		bc.lock.release(kt.cpu)
		assert.False(t, found, "oldest clean buffer should have been recycled")

		checkCacheUnique(t, sys)
		return 0
	})
}

func TestPinnedBuffersNotRecycled(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		m, kt := sys.m, sys.t

		// A dirty buffer simulates a block pinned by the log.
		pinned := m.bread(kt, ROOTDEV, 100)
		pinned.flags |= bDirty
		m.brelse(kt, pinned)

		for i := 0; i < NBUF-1; i++ {
			x := m.bread(kt, ROOTDEV, uint32(200+i))
			m.brelse(kt, x)
		}

		bc := &m.bcache
		bc.lock.acquire(kt.cpu)
		still := false
		for bb := bc.head.next; bb != &bc.head; bb = bb.next {
			if bb.blockno == 100 && bb.flags&bDirty != 0 {
				still = true
			}
		}
		bc.lock.release(kt.cpu)
		assert.True(t, still, "dirty buffer must survive cache pressure")

		// Unpin so shutdown state is clean.
		pinned2 := m.bread(kt, ROOTDEV, 100)
		pinned2.flags &^= bDirty
		m.brelse(kt, pinned2)
		return 0
	})
}

func TestBgetPanicsWhenAllBusy(t *testing.T) {
	tm := startMachine(t, newTestDisk(testImage(t, nil)), func(sys *Sys) int {
		m, kt := sys.m, sys.t
		for i := 0; i <= NBUF; i++ {
			m.bread(kt, ROOTDEV, uint32(300+i)) // never released
		}
		return 0
	})
	ke := tm.crashWait(t)
	assert.Contains(t, ke.Msg, "no buffers")
}

func TestBrelseWithoutLockPanics(t *testing.T) {
	tm := startMachine(t, newTestDisk(testImage(t, nil)), func(sys *Sys) int {
		m, kt := sys.m, sys.t
		b := m.bread(kt, ROOTDEV, 7)
		m.brelse(kt, b)
		m.brelse(kt, b) // reuse after release
		return 0
	})
	ke := tm.crashWait(t)
	assert.Contains(t, ke.Msg, "brelse")
}
