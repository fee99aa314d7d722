// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

// Buffer cache: a bounded pool of in-memory copies of disk blocks,
// ordered by recency of release. The cache lock protects the list
// links and reference counts; each buffer's sleeplock protects its
// payload. At most one buffer in the cache holds any given
// (device, blockno).

const (
	bValid uint32 = 0x2 // buffer has been read from disk
	bDirty uint32 = 0x4 // buffer needs to be written to disk
)

// Buf is the in-memory image of one disk block.
type Buf struct {
	flags   uint32
	dev     uint32
	blockno uint32
	lock    Sleeplock
	refcnt  uint32

	prev, next *Buf // LRU cache list
	qnext      *Buf // disk queue

	data [BSIZE]byte
}

// Valid reports whether the payload has been read from disk.
func (b *Buf) Valid() bool { return b.flags&bValid != 0 }

// Dirty reports whether the payload awaits a disk write.
func (b *Buf) Dirty() bool { return b.flags&bDirty != 0 }

// Blockno returns the block number the buffer caches.
func (b *Buf) Blockno() uint32 { return b.blockno }

// Data returns the payload; the caller must hold the buffer locked.
func (b *Buf) Data() []byte { return b.data[:] }

type bcache struct {
	lock Spinlock
	buf  [NBUF]Buf

	// Linked list of all buffers through prev/next, with head as
	// sentinel. head.next is most recently used.
	head Buf
}

func (m *Machine) binit() {
	bc := &m.bcache
	initlock(&bc.lock, "bcache")

	bc.head.prev = &bc.head
	bc.head.next = &bc.head
	for i := range bc.buf {
		b := &bc.buf[i]
		b.next = bc.head.next
		b.prev = &bc.head
		initsleeplock(&b.lock, "buffer")
		bc.head.next.prev = b
		bc.head.next = b
	}
}

// bget returns a locked buffer for the indicated block: the cached
// one if present, otherwise the least recently used clean buffer,
// recycled. Buffers with references or unwritten modifications are
// never recycled.
func (m *Machine) bget(t *KThread, dev, blockno uint32) *Buf {
	bc := &m.bcache
	bc.lock.acquire(t.cpu)

	// Is the block already cached?
	for b := bc.head.next; b != &bc.head; b = b.next {
		if b.dev == dev && b.blockno == blockno {
			b.refcnt++
			bc.lock.release(t.cpu)
			b.lock.acquiresleep(t)
			return b
		}
	}

	// Not cached; recycle an unused buffer. A dirty buffer is pinned:
	// the log still needs its contents.
	for b := bc.head.prev; b != &bc.head; b = b.prev {
		if b.refcnt == 0 && b.flags&bDirty == 0 {
			b.dev = dev
			b.blockno = blockno
			b.flags = 0
			b.refcnt = 1
			bc.lock.release(t.cpu)
			b.lock.acquiresleep(t)
			return b
		}
	}
	panicf("bget: no buffers")
	return nil
}

// bread returns a locked buffer with the contents of the indicated
// block.
func (m *Machine) bread(t *KThread, dev, blockno uint32) *Buf {
	b := m.bget(t, dev, blockno)
	if b.flags&bValid == 0 {
		m.iderw(t, b)
	}
	return b
}

// bwrite writes b's contents to disk. Caller must hold b locked.
func (m *Machine) bwrite(t *KThread, b *Buf) {
	if !b.lock.holdingsleep(t) {
		panicf("bwrite")
	}
	b.flags |= bDirty
	m.iderw(t, b)
}

// brelse releases a locked buffer and, when the last reference drops,
// moves it to the most-recently-used end of the list.
func (m *Machine) brelse(t *KThread, b *Buf) {
	if !b.lock.holdingsleep(t) {
		panicf("brelse")
	}
	b.lock.releasesleep(t)

	bc := &m.bcache
	bc.lock.acquire(t.cpu)
	b.refcnt--
	if b.refcnt == 0 {
		// No one is waiting for it.
		b.next.prev = b.prev
		b.prev.next = b.next
		b.next = bc.head.next
		b.prev = &bc.head
		bc.head.next.prev = b
		bc.head.next = b
	}
	bc.lock.release(t.cpu)
}
