// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gvix/gvix/disklayout"
)

// logTxn runs one transaction writing pattern bytes to each of the
// given blocks.
func logTxn(sys *Sys, blocks []uint32, pattern byte) {
	m, kt := sys.m, sys.t
	m.beginOp(kt)
	for _, bno := range blocks {
		b := m.bread(kt, ROOTDEV, bno)
		for i := range b.data {
			b.data[i] = pattern
		}
		m.logWrite(kt, b)
		m.brelse(kt, b)
	}
	m.endOp(kt)
}

func TestCommitInstallsAllBlocks(t *testing.T) {
	blocks := []uint32{1800, 1801, 1802}
	tm := startMachine(t, newTestDisk(testImage(t, nil)), func(sys *Sys) int {
		logTxn(sys, blocks, 0x5A)
		return 0
	})
	require.Zero(t, tm.wait(t))

	img := tm.disk.snapshot()
	sb := decodeSB(t, img)

	for _, bno := range blocks {
		blk := img[bno*BSIZE : (bno+1)*BSIZE]
		for i, b := range blk {
			require.EqualValues(t, 0x5A, b, "block %d byte %d", bno, i)
		}
	}
	// Header cleared after install.
	assert.Zero(t, binary.LittleEndian.Uint32(img[sb.LogStart*BSIZE:]))
}

// After a successful commit every logged block's home location equals
// its log slot's bytes.
func TestCommitLeavesLogSlotsMatchingHomes(t *testing.T) {
	blocks := []uint32{1810, 1811}
	tm := startMachine(t, newTestDisk(testImage(t, nil)), func(sys *Sys) int {
		logTxn(sys, blocks, 0x77)
		return 0
	})
	require.Zero(t, tm.wait(t))

	img := tm.disk.snapshot()
	sb := decodeSB(t, img)
	for i, bno := range blocks {
		slot := sb.LogStart + 1 + uint32(i)
		home := img[bno*BSIZE : (bno+1)*BSIZE]
		logged := img[slot*BSIZE : (slot+1)*BSIZE]
		assert.True(t, bytes.Equal(home, logged), "block %d differs from log slot %d", bno, slot)
	}
}

func TestLogAbsorption(t *testing.T) {
	runProg(t, nil, func(sys *Sys) int {
		m, kt := sys.m, sys.t
		m.beginOp(kt)

		// Two writes to the same block within one transaction occupy
		// one header slot.
		for i := 0; i < 2; i++ {
			b := m.bread(kt, ROOTDEV, 1820)
			b.data[0] = byte(i)
			m.logWrite(kt, b)
			m.brelse(kt, b)
		}
		b := m.bread(kt, ROOTDEV, 1821)
		b.data[0] = 9
		m.logWrite(kt, b)
		m.brelse(kt, b)

		m.log.lock.acquire(kt.cpu)
		n := m.log.header.N
		m.log.lock.release(kt.cpu)
		assert.EqualValues(t, 2, n, "absorbed duplicate should not grow the header")

		m.endOp(kt)
		return 0
	})
}

func TestLogWriteOutsideTransactionPanics(t *testing.T) {
	tm := startMachine(t, newTestDisk(testImage(t, nil)), func(sys *Sys) int {
		m, kt := sys.m, sys.t
		b := m.bread(kt, ROOTDEV, 1830)
		m.logWrite(kt, b)
		m.brelse(kt, b)
		return 0
	})
	ke := tm.crashWait(t)
	assert.Contains(t, ke.Msg, "outside of trans")
}

// Crash between the commit record and the home-location install: on
// reboot, recovery must finish the install and clear the header.
func TestCrashRecoveryReplaysCommitted(t *testing.T) {
	const target = 1840
	d := newTestDisk(testImage(t, nil))

	var sb disklayout.Superblock
	require.NoError(t, disklayout.DecodeSuperblock(d.snapshot()[BSIZE:2*BSIZE], &sb))

	// Drop every write after the commit record lands.
	committed := false
	d.setHook(func(blockno uint32, data []byte) bool {
		if committed {
			return false // power is gone
		}
		if blockno == sb.LogStart && binary.LittleEndian.Uint32(data) > 0 {
			committed = true // this is the commit point; let it land
		}
		return true
	})

	tm := startMachine(t, d, func(sys *Sys) int {
		logTxn(sys, []uint32{target}, 0xC3)
		return 0
	})
	require.Zero(t, tm.wait(t))
	require.True(t, committed, "transaction never reached its commit point")

	crashImg := d.snapshot()
	// The home block must still be stale: install writes were lost.
	assert.NotEqual(t, byte(0xC3), crashImg[target*BSIZE])

	// "Reboot" on the crashed image.
	tm2 := startMachine(t, newTestDisk(crashImg), func(sys *Sys) int {
		m, kt := sys.m, sys.t
		b := m.bread(kt, ROOTDEV, target)
		defer m.brelse(kt, b)
		for _, by := range b.data {
			if by != 0xC3 {
				return 1
			}
		}
		return 0
	})
	require.Zero(t, tm2.wait(t), "recovered block must hold the post-transaction value")

	img2 := tm2.disk.snapshot()
	assert.Zero(t, binary.LittleEndian.Uint32(img2[sb.LogStart*BSIZE:]),
		"recovery must clear the on-disk header")
}

// Crash before the commit record: the transaction is invisible.
func TestCrashBeforeCommitDiscards(t *testing.T) {
	const target = 1850
	d := newTestDisk(testImage(t, nil))

	var sb disklayout.Superblock
	require.NoError(t, disklayout.DecodeSuperblock(d.snapshot()[BSIZE:2*BSIZE], &sb))

	// Lose the commit record and everything after it.
	crashed := false
	d.setHook(func(blockno uint32, data []byte) bool {
		if crashed {
			return false
		}
		if blockno == sb.LogStart && binary.LittleEndian.Uint32(data) > 0 {
			crashed = true
			return false
		}
		return true
	})

	tm := startMachine(t, d, func(sys *Sys) int {
		logTxn(sys, []uint32{target}, 0xEE)
		return 0
	})
	require.Zero(t, tm.wait(t))

	crashImg := d.snapshot()
	tm2 := startMachine(t, newTestDisk(crashImg), func(sys *Sys) int {
		m, kt := sys.m, sys.t
		b := m.bread(kt, ROOTDEV, target)
		defer m.brelse(kt, b)
		if b.data[0] == 0xEE {
			return 1
		}
		return 0
	})
	require.Zero(t, tm2.wait(t), "uncommitted transaction must be discarded")
}

func decodeSB(t *testing.T, img []byte) disklayout.Superblock {
	t.Helper()
	var sb disklayout.Superblock
	require.NoError(t, disklayout.DecodeSuperblock(img[BSIZE:2*BSIZE], &sb))
	return sb
}
