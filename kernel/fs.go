// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"time"

	"github.com/gvix/gvix/disklayout"
	"github.com/gvix/gvix/internal/logger"
)

// File system implementation. Five layers:
//   + Blocks: allocator for raw disk blocks.
//   + Log: crash recovery for multi-step updates.
//   + Files: inode allocator, reading, writing, metadata.
//   + Directories: inode with special contents (list of other inodes!)
//   + Names: paths like /usr/rtm/xv6/fs.c for convenient naming.
//
// Disk layout: [ boot block | super block | log | inode blocks |
//                free bit map | data blocks ]

// Inode types, as stored on disk and reported by stat.
const (
	T_DIR  = disklayout.TypeDir
	T_FILE = disklayout.TypeFile
	T_DEV  = disklayout.TypeDev
)

// Inode is the in-memory copy of a disk inode plus cache bookkeeping.
// The sleeplock protects everything below valid; the cache lock
// protects ref, dev and inum.
type Inode struct {
	dev   uint32
	inum  uint32
	ref   int
	lock  Sleeplock
	valid bool

	// copy of disk inode
	typ   int16
	major int16
	minor int16
	nlink int16
	size  uint32
	mtime uint32
	addrs [disklayout.NDirect + 1]uint32
}

// Inum returns the inode number.
func (ip *Inode) Inum() uint32 { return ip.inum }

// Type returns the inode type (T_DIR, T_FILE, T_DEV).
func (ip *Inode) Type() int16 { return ip.typ }

// Minor returns the minor device number of a T_DEV inode.
func (ip *Inode) Minor() int16 { return ip.minor }

// Size returns the file size in bytes.
func (ip *Inode) Size() uint32 { return ip.size }

type icache struct {
	lock  Spinlock
	inode [NINODE]Inode
}

func (m *Machine) iinit(t *KThread, dev uint32) {
	initlock(&m.icache.lock, "icache")
	m.readsb(t, dev, &m.sb)
	logger.Infof("fs: size %d ninodes %d nlog %d ndata %d; log %d inode %d bmap %d",
		m.sb.Size, m.sb.Ninodes, m.sb.Nlog, m.sb.Ndata,
		m.sb.LogStart, m.sb.InodeStart, m.sb.BmapStart)
}

// readsb reads the superblock.
func (m *Machine) readsb(t *KThread, dev uint32, sb *disklayout.Superblock) {
	bp := m.bread(t, dev, 1)
	if err := disklayout.DecodeSuperblock(bp.data[:], sb); err != nil {
		panicf("readsb: %v", err)
	}
	m.brelse(t, bp)
}

// zeroBlock clears a freshly allocated data block so stale contents
// never leak into a new file.
func (m *Machine) zeroBlock(t *KThread, dev, bno uint32) {
	bp := m.bread(t, dev, bno)
	for i := range bp.data {
		bp.data[i] = 0
	}
	m.logWrite(t, bp)
	m.brelse(t, bp)
}

// balloc allocates a zeroed data block.
func (m *Machine) balloc(t *KThread, dev uint32) uint32 {
	for b := uint32(0); b < m.sb.Size; b += disklayout.BitsPerBlock {
		bp := m.bread(t, dev, disklayout.BBlock(b, &m.sb))
		for bi := uint32(0); bi < disklayout.BitsPerBlock && b+bi < m.sb.Size; bi++ {
			mask := byte(1) << (bi % 8)
			if bp.data[bi/8]&mask == 0 { // Is block free?
				bp.data[bi/8] |= mask // Mark block in use.
				m.logWrite(t, bp)
				m.brelse(t, bp)
				m.zeroBlock(t, dev, b+bi)
				return b + bi
			}
		}
		m.brelse(t, bp)
	}
	panicf("balloc: out of blocks")
	return 0
}

// bfree frees a data block.
func (m *Machine) bfree(t *KThread, dev, b uint32) {
	bp := m.bread(t, dev, disklayout.BBlock(b, &m.sb))
	bi := b % disklayout.BitsPerBlock
	mask := byte(1) << (bi % 8)
	if bp.data[bi/8]&mask == 0 {
		panicf("freeing free block")
	}
	bp.data[bi/8] &^= mask
	m.logWrite(t, bp)
	m.brelse(t, bp)
}

// ialloc allocates a free on-disk inode of the given type and returns
// its unlocked in-memory copy.
func (m *Machine) ialloc(t *KThread, dev uint32, typ int16) *Inode {
	for inum := uint32(1); inum < m.sb.Ninodes; inum++ {
		bp := m.bread(t, dev, disklayout.IBlock(inum, &m.sb))
		off := inum % disklayout.InodesPerBlock * disklayout.DinodeSize
		var di disklayout.Dinode
		disklayout.DecodeDinode(bp.data[off:], &di)
		if di.Type == 0 { // a free inode
			di = disklayout.Dinode{Type: typ}
			disklayout.EncodeDinode(&di, bp.data[off:])
			m.logWrite(t, bp) // mark it allocated on the disk
			m.brelse(t, bp)
			return m.iget(t.cpu, dev, inum)
		}
		m.brelse(t, bp)
	}
	panicf("ialloc: no inodes")
	return nil
}

// iupdate copies a modified in-memory inode to disk, inside the
// caller's transaction.
func (m *Machine) iupdate(t *KThread, ip *Inode) {
	bp := m.bread(t, ip.dev, disklayout.IBlock(ip.inum, &m.sb))
	off := ip.inum % disklayout.InodesPerBlock * disklayout.DinodeSize
	di := disklayout.Dinode{
		Type:  ip.typ,
		Major: ip.major,
		Minor: ip.minor,
		Nlink: ip.nlink,
		Size:  ip.size,
		Mtime: ip.mtime,
		Addrs: ip.addrs,
	}
	disklayout.EncodeDinode(&di, bp.data[off:])
	m.logWrite(t, bp)
	m.brelse(t, bp)
}

// iget returns the unique in-memory inode for (dev, inum), allocating
// a cache slot if needed. It does not lock the inode or read it from
// disk.
func (m *Machine) iget(c *CPU, dev, inum uint32) *Inode {
	ic := &m.icache
	ic.lock.acquire(c)

	var empty *Inode
	for i := range ic.inode {
		ip := &ic.inode[i]
		if ip.ref > 0 && ip.dev == dev && ip.inum == inum {
			ip.ref++
			ic.lock.release(c)
			return ip
		}
		if empty == nil && ip.ref == 0 { // Remember empty slot.
			empty = ip
		}
	}

	if empty == nil {
		panicf("iget: no inodes")
	}
	ip := empty
	ip.dev = dev
	ip.inum = inum
	ip.ref = 1
	ip.valid = false
	initsleeplock(&ip.lock, "inode")
	ic.lock.release(c)
	return ip
}

// idup increments the reference count of ip.
func (m *Machine) idup(c *CPU, ip *Inode) *Inode {
	m.icache.lock.acquire(c)
	ip.ref++
	m.icache.lock.release(c)
	return ip
}

// ilock locks ip, reading it from disk first if necessary.
func (m *Machine) ilock(t *KThread, ip *Inode) {
	if ip == nil || ip.ref < 1 {
		panicf("ilock")
	}
	ip.lock.acquiresleep(t)
	if !ip.valid {
		bp := m.bread(t, ip.dev, disklayout.IBlock(ip.inum, &m.sb))
		off := ip.inum % disklayout.InodesPerBlock * disklayout.DinodeSize
		var di disklayout.Dinode
		disklayout.DecodeDinode(bp.data[off:], &di)
		ip.typ = di.Type
		ip.major = di.Major
		ip.minor = di.Minor
		ip.nlink = di.Nlink
		ip.size = di.Size
		ip.mtime = di.Mtime
		ip.addrs = di.Addrs
		m.brelse(t, bp)
		ip.valid = true
		if ip.typ == 0 {
			panicf("ilock: no type")
		}
	}
}

// iunlock unlocks ip.
func (m *Machine) iunlock(t *KThread, ip *Inode) {
	if ip == nil || !ip.lock.holdingsleep(t) || ip.ref < 1 {
		panicf("iunlock")
	}
	ip.lock.releasesleep(t)
}

// iput drops a reference. When the last reference to an inode with no
// directory links drops, the inode and its data blocks are freed.
// Must be called inside a transaction when that can happen, since it
// may write the disk.
func (m *Machine) iput(t *KThread, ip *Inode) {
	ip.lock.acquiresleep(t)
	if ip.valid && ip.nlink == 0 {
		m.icache.lock.acquire(t.cpu)
		r := ip.ref
		m.icache.lock.release(t.cpu)
		if r == 1 {
			// inode has no links and no other references: truncate
			// and free.
			m.itrunc(t, ip)
			ip.typ = 0
			m.iupdate(t, ip)
			ip.valid = false
		}
	}
	ip.lock.releasesleep(t)

	m.icache.lock.acquire(t.cpu)
	ip.ref--
	m.icache.lock.release(t.cpu)
}

// iunlockput is the common iunlock-then-iput pair.
func (m *Machine) iunlockput(t *KThread, ip *Inode) {
	m.iunlock(t, ip)
	m.iput(t, ip)
}

// bmap returns the disk block holding the bn-th block of ip's data,
// allocating data blocks and the indirect block on demand.
func (m *Machine) bmap(t *KThread, ip *Inode, bn uint32) uint32 {
	if bn < disklayout.NDirect {
		addr := ip.addrs[bn]
		if addr == 0 {
			addr = m.balloc(t, ip.dev)
			ip.addrs[bn] = addr
		}
		return addr
	}
	bn -= disklayout.NDirect
	if bn >= disklayout.NIndirect {
		panicf("bmap: out of range")
	}

	// Load indirect block, allocating if necessary.
	addr := ip.addrs[disklayout.NDirect]
	if addr == 0 {
		addr = m.balloc(t, ip.dev)
		ip.addrs[disklayout.NDirect] = addr
	}
	bp := m.bread(t, ip.dev, addr)
	a := leSlice(bp.data[:])
	addr = a.get(bn)
	if addr == 0 {
		addr = m.balloc(t, ip.dev)
		a.put(bn, addr)
		m.logWrite(t, bp)
	}
	m.brelse(t, bp)
	return addr
}

// leSlice views a block as an array of little-endian 32-bit words.
type leSlice []byte

func (s leSlice) get(i uint32) uint32 {
	return uint32(s[4*i]) | uint32(s[4*i+1])<<8 | uint32(s[4*i+2])<<16 | uint32(s[4*i+3])<<24
}

func (s leSlice) put(i, v uint32) {
	s[4*i] = byte(v)
	s[4*i+1] = byte(v >> 8)
	s[4*i+2] = byte(v >> 16)
	s[4*i+3] = byte(v >> 24)
}

// itrunc discards ip's contents: direct blocks, the blocks named by
// the indirect block, then the indirect block itself.
func (m *Machine) itrunc(t *KThread, ip *Inode) {
	for i := 0; i < disklayout.NDirect; i++ {
		if ip.addrs[i] != 0 {
			m.bfree(t, ip.dev, ip.addrs[i])
			ip.addrs[i] = 0
		}
	}

	if ip.addrs[disklayout.NDirect] != 0 {
		bp := m.bread(t, ip.dev, ip.addrs[disklayout.NDirect])
		a := leSlice(bp.data[:])
		for j := uint32(0); j < disklayout.NIndirect; j++ {
			if a.get(j) != 0 {
				m.bfree(t, ip.dev, a.get(j))
			}
		}
		m.brelse(t, bp)
		m.bfree(t, ip.dev, ip.addrs[disklayout.NDirect])
		ip.addrs[disklayout.NDirect] = 0
	}

	ip.size = 0
	m.iupdate(t, ip)
}

// stati copies metadata out of ip.
func (m *Machine) stati(ip *Inode, st *Stat) {
	st.Dev = ip.dev
	st.Ino = ip.inum
	st.Type = ip.typ
	st.Nlink = ip.nlink
	st.Size = ip.size
	mt := time.Unix(int64(ip.mtime), 0).UTC()
	st.Mtime = Date{
		Second:  uint32(mt.Second()),
		Minute:  uint32(mt.Minute()),
		Hour:    uint32(mt.Hour()),
		Weekday: uint32(mt.Weekday()) + 1,
		Day:     uint32(mt.Day()),
		Month:   uint32(mt.Month()),
		Year:    uint32(mt.Year()),
	}
}

// readi reads data from ip into dst starting at byte off. Device
// inodes dispatch to their driver instead.
func (m *Machine) readi(t *KThread, ip *Inode, dst []byte, off uint32) int {
	n := uint32(len(dst))
	if ip.typ == T_DEV {
		dv := m.dev(ip.major)
		if dv == nil || dv.Read == nil {
			return -1
		}
		return dv.Read(t, ip, dst)
	}

	if off > ip.size || off+n < off {
		return -1
	}
	if off+n > ip.size {
		n = ip.size - off
	}

	for tot := uint32(0); tot < n; {
		bp := m.bread(t, ip.dev, m.bmap(t, ip, off/BSIZE))
		cnt := min32(n-tot, BSIZE-off%BSIZE)
		copy(dst[tot:tot+cnt], bp.data[off%BSIZE:])
		m.brelse(t, bp)
		tot += cnt
		off += cnt
	}
	return int(n)
}

// writei writes data to ip starting at byte off, allocating blocks as
// needed, growing the size and stamping mtime. Caller is inside a
// transaction sized for the write.
func (m *Machine) writei(t *KThread, ip *Inode, src []byte, off uint32) int {
	n := uint32(len(src))
	if ip.typ == T_DEV {
		dv := m.dev(ip.major)
		if dv == nil || dv.Write == nil {
			return -1
		}
		return dv.Write(t, ip, src)
	}

	if off > ip.size || off+n < off {
		return -1
	}
	if off+n > disklayout.MaxFile*BSIZE {
		return -1
	}

	for tot := uint32(0); tot < n; {
		bp := m.bread(t, ip.dev, m.bmap(t, ip, off/BSIZE))
		cnt := min32(n-tot, BSIZE-off%BSIZE)
		copy(bp.data[off%BSIZE:], src[tot:tot+cnt])
		m.logWrite(t, bp)
		m.brelse(t, bp)
		tot += cnt
		off += cnt
	}

	if n > 0 {
		if off > ip.size {
			ip.size = off
		}
		ip.mtime = uint32(m.clock.Now().Unix())
		m.iupdate(t, ip)
	}
	return int(n)
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// dirlookup looks for a name in a locked directory, returning the
// entry's unlocked inode and byte offset.
func (m *Machine) dirlookup(t *KThread, dp *Inode, name string, poff *uint32) *Inode {
	if dp.typ != T_DIR {
		panicf("dirlookup not DIR")
	}

	var de disklayout.Dirent
	var buf [disklayout.DirentSize]byte
	for off := uint32(0); off < dp.size; off += disklayout.DirentSize {
		if m.readi(t, dp, buf[:], off) != disklayout.DirentSize {
			panicf("dirlookup read")
		}
		disklayout.DecodeDirent(buf[:], &de)
		if de.Inum == 0 {
			continue
		}
		if disklayout.DirentName(&de) == name {
			// entry matches path element
			if poff != nil {
				*poff = off
			}
			return m.iget(t.cpu, dp.dev, uint32(de.Inum))
		}
	}
	return nil
}

// dirlink writes a new (name, inum) entry into the locked directory
// dp, reusing a free slot if one exists.
func (m *Machine) dirlink(t *KThread, dp *Inode, name string, inum uint32) int {
	// Check that name is not present.
	if ip := m.dirlookup(t, dp, name, nil); ip != nil {
		m.iput(t, ip)
		return -1
	}

	// Look for an empty dirent.
	var de disklayout.Dirent
	var buf [disklayout.DirentSize]byte
	var off uint32
	for off = 0; off < dp.size; off += disklayout.DirentSize {
		if m.readi(t, dp, buf[:], off) != disklayout.DirentSize {
			panicf("dirlink read")
		}
		disklayout.DecodeDirent(buf[:], &de)
		if de.Inum == 0 {
			break
		}
	}

	if err := disklayout.SetDirentName(&de, name); err != nil {
		return -1
	}
	de.Inum = uint16(inum)
	disklayout.EncodeDirent(&de, buf[:])
	if m.writei(t, dp, buf[:], off) != disklayout.DirentSize {
		panicf("dirlink")
	}
	return 0
}

// skipelem splits the first path element from path: ("a/bb/c") gives
// ("a", "bb/c"). ok is false when no elements remain.
func skipelem(path string) (elem, rest string, ok bool) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	if i == len(path) {
		return "", "", false
	}
	s := i
	for i < len(path) && path[i] != '/' {
		i++
	}
	elem = path[s:i]
	if len(elem) > disklayout.NameSize {
		elem = elem[:disklayout.NameSize]
	}
	for i < len(path) && path[i] == '/' {
		i++
	}
	return elem, path[i:], true
}

// namex walks path from the root or cwd. The walk holds only the
// current directory's lock, released before the child is locked, so a
// lookup can never deadlock against a walk through the same
// directories.
func (m *Machine) namex(t *KThread, path string, parent bool) (*Inode, string) {
	var ip *Inode
	if len(path) > 0 && path[0] == '/' {
		ip = m.iget(t.cpu, ROOTDEV, disklayout.RootInum)
	} else {
		ip = m.idup(t.cpu, t.proc.cwd)
	}

	for {
		name, rest, ok := skipelem(path)
		if !ok {
			break
		}
		m.ilock(t, ip)
		if ip.typ != T_DIR {
			m.iunlockput(t, ip)
			return nil, ""
		}
		if parent && rest == "" {
			// Stop one level early.
			m.iunlock(t, ip)
			return ip, name
		}
		next := m.dirlookup(t, ip, name, nil)
		if next == nil {
			m.iunlockput(t, ip)
			return nil, ""
		}
		m.iunlockput(t, ip)
		ip = next
		path = rest
	}

	if parent {
		m.iput(t, ip)
		return nil, ""
	}
	return ip, ""
}

// namei resolves a path to an unlocked inode.
func (m *Machine) namei(t *KThread, path string) *Inode {
	ip, _ := m.namex(t, path, false)
	return ip
}

// nameiparent resolves to the parent directory of the path's last
// element, also returning that final name.
func (m *Machine) nameiparent(t *KThread, path string) (*Inode, string) {
	return m.namex(t, path, true)
}
