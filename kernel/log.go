// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"github.com/gvix/gvix/disklayout"
	"github.com/gvix/gvix/internal/logger"
)

// Write-ahead redo log, making a group of block writes crash-atomic.
// A filesystem call wraps its writes in beginOp/endOp; the modified
// blocks stay pinned in the cache until the transaction commits, at
// which point they are copied to the on-disk log, the header is
// written (the commit point), and only then installed at their home
// locations. Recovery at boot replays a committed, uninstalled
// transaction and discards an uncommitted one.

type fslog struct {
	lock        Spinlock
	start       uint32
	size        uint32
	outstanding int  // operations inside a log scope
	committing  bool // in commit(), please wait
	dev         uint32
	header      disklayout.LogHeader // in-memory header
}

// initlog runs during filesystem bring-up, inside the first process,
// and recovers from a crash if the on-disk header records a committed
// transaction.
func (m *Machine) initlog(t *KThread, dev uint32) {
	lg := &m.log
	initlock(&lg.lock, "log")
	m.readsb(t, dev, &m.sb)
	lg.start = m.sb.LogStart
	lg.size = m.sb.Nlog
	lg.dev = dev
	if lg.size < 2 || lg.size-1 < LOGSIZE {
		panicf("initlog: log too small (%d blocks)", lg.size)
	}
	m.recoverFromLog(t)
}

// installTrans copies committed blocks from the log to their home
// locations.
func (m *Machine) installTrans(t *KThread) {
	lg := &m.log
	for tail := uint32(0); tail < lg.header.N; tail++ {
		lbuf := m.bread(t, lg.dev, lg.start+tail+1)       // log block
		dbuf := m.bread(t, lg.dev, lg.header.Block[tail]) // home block
		copy(dbuf.data[:], lbuf.data[:])
		m.bwrite(t, dbuf)
		m.brelse(t, lbuf)
		m.brelse(t, dbuf)
	}
}

// readHead reads the on-disk header into the in-memory header.
func (m *Machine) readHead(t *KThread) {
	lg := &m.log
	buf := m.bread(t, lg.dev, lg.start)
	disklayout.DecodeLogHeader(buf.data[:], &lg.header)
	m.brelse(t, buf)
}

// writeHead writes the in-memory header to disk. Writing a header
// with N > 0 is the commit point.
func (m *Machine) writeHead(t *KThread) {
	lg := &m.log
	buf := m.bread(t, lg.dev, lg.start)
	disklayout.EncodeLogHeader(&lg.header, buf.data[:])
	m.bwrite(t, buf)
	m.brelse(t, buf)
}

func (m *Machine) recoverFromLog(t *KThread) {
	lg := &m.log
	m.readHead(t)
	if lg.header.N > 0 {
		logger.Infof("log: recovering %d blocks", lg.header.N)
	}
	m.installTrans(t)
	lg.header.N = 0
	lg.header.Block = lg.header.Block[:0]
	m.writeHead(t)
}

// beginOp waits until the log is not committing and has room for this
// operation's worst case, then joins the running transaction. Each
// operation conservatively reserves MAXOPBLOCKS slots.
func (m *Machine) beginOp(t *KThread) {
	lg := &m.log
	lg.lock.acquire(t.cpu)
	for {
		if lg.committing {
			m.sleep(t, lg, &lg.lock)
		} else if int(lg.header.N)+(lg.outstanding+1)*MAXOPBLOCKS > LOGSIZE {
			// This op might exhaust log space; wait for commit.
			m.sleep(t, lg, &lg.lock)
		} else {
			lg.outstanding++
			lg.lock.release(t.cpu)
			break
		}
	}
}

// endOp leaves the transaction and commits it if this was the last
// outstanding operation.
func (m *Machine) endOp(t *KThread) {
	lg := &m.log
	doCommit := false

	lg.lock.acquire(t.cpu)
	lg.outstanding--
	if lg.committing {
		panicf("log committing")
	}
	if lg.outstanding == 0 {
		doCommit = true
		lg.committing = true
	} else {
		// beginOp may be waiting for log space; the reservation this
		// op held is now free.
		m.wakeup(t.cpu, lg)
	}
	lg.lock.release(t.cpu)

	if doCommit {
		// Commit without holding any lock, since sleeping with locks
		// held is not allowed.
		m.commit(t)
		lg.lock.acquire(t.cpu)
		lg.committing = false
		m.wakeup(t.cpu, lg)
		lg.lock.release(t.cpu)
	}
}

// writeLog copies modified blocks from the cache to their on-disk log
// slots.
func (m *Machine) writeLog(t *KThread) {
	lg := &m.log
	for tail := uint32(0); tail < lg.header.N; tail++ {
		to := m.bread(t, lg.dev, lg.start+tail+1)          // log slot
		from := m.bread(t, lg.dev, lg.header.Block[tail]) // cached block
		copy(to.data[:], from.data[:])
		m.bwrite(t, to)
		m.brelse(t, from)
		m.brelse(t, to)
	}
}

func (m *Machine) commit(t *KThread) {
	lg := &m.log
	if lg.header.N > 0 {
		m.writeLog(t)     // modified blocks into their log slots
		m.writeHead(t)    // header with n > 0: the real commit
		m.installTrans(t) // writes into their home locations
		lg.header.N = 0
		lg.header.Block = lg.header.Block[:0]
		m.writeHead(t) // erase the transaction
	}
}

// logWrite replaces bwrite inside transactions: it reserves the block
// a log slot (absorbing repeat writes to the same block) and pins the
// buffer in the cache until commit by leaving it dirty.
//
// Typical use:
//
//	bp := bread(...)
//	modify bp.data
//	logWrite(bp)
//	brelse(bp)
func (m *Machine) logWrite(t *KThread, b *Buf) {
	lg := &m.log
	if int(lg.header.N) >= LOGSIZE || lg.header.N >= lg.size-1 {
		panicf("too big a transaction")
	}
	if lg.outstanding < 1 {
		panicf("log_write outside of trans")
	}

	lg.lock.acquire(t.cpu)
	i := 0
	for ; i < int(lg.header.N); i++ {
		if lg.header.Block[i] == b.blockno {
			break // log absorption
		}
	}
	if i == int(lg.header.N) {
		lg.header.Block = append(lg.header.Block, b.blockno)
		lg.header.N++
	}
	b.flags |= bDirty // prevent eviction
	lg.lock.release(t.cpu)
}
