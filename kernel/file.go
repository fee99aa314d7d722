// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "encoding/binary"

// File types of an open file object.
type fileType int

const (
	fdNone fileType = iota
	fdPipe
	fdInode
)

// File is one open file: a refcounted wrapper carrying the I/O mode
// and offset, delegating bytes to an inode or a pipe. The system-wide
// table is fixed size; per-process descriptor tables hold references.
type File struct {
	typ      fileType
	ref      int
	readable bool
	writable bool
	pipe     *Pipe
	ip       *Inode
	off      uint32
}

type ftable struct {
	lock Spinlock
	file [NFILE]File
}

func (m *Machine) fileinit() {
	initlock(&m.ftable.lock, "ftable")
}

// filealloc finds an unused slot in the file table.
func (m *Machine) filealloc(c *CPU) *File {
	ft := &m.ftable
	ft.lock.acquire(c)
	for i := range ft.file {
		f := &ft.file[i]
		if f.ref == 0 {
			f.ref = 1
			ft.lock.release(c)
			return f
		}
	}
	ft.lock.release(c)
	return nil
}

// filedup increments f's reference count.
func (m *Machine) filedup(c *CPU, f *File) *File {
	ft := &m.ftable
	ft.lock.acquire(c)
	if f.ref < 1 {
		panicf("filedup")
	}
	f.ref++
	ft.lock.release(c)
	return f
}

// fileclose drops a reference; the last close releases the
// underlying object.
func (m *Machine) fileclose(t *KThread, f *File) {
	ft := &m.ftable
	ft.lock.acquire(t.cpu)
	if f.ref < 1 {
		panicf("fileclose")
	}
	f.ref--
	if f.ref > 0 {
		ft.lock.release(t.cpu)
		return
	}
	ff := *f
	f.ref = 0
	f.typ = fdNone
	f.pipe = nil
	f.ip = nil
	ft.lock.release(t.cpu)

	switch ff.typ {
	case fdPipe:
		m.pipeclose(t, ff.pipe, ff.writable)
	case fdInode:
		m.beginOp(t)
		m.iput(t, ff.ip)
		m.endOp(t)
	}
}

// Stat is the metadata record returned by fstat.
type Stat struct {
	Dev   uint32
	Ino   uint32
	Type  int16
	Nlink int16
	Size  uint32
	Mtime Date
}

const statSize = 16 + dateSize

func encodeStat(st *Stat, b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], st.Dev)
	le.PutUint32(b[4:], st.Ino)
	le.PutUint16(b[8:], uint16(st.Type))
	le.PutUint16(b[10:], uint16(st.Nlink))
	le.PutUint32(b[12:], st.Size)
	encodeDate(&st.Mtime, b[16:])
}

func decodeStat(b []byte, st *Stat) {
	le := binary.LittleEndian
	st.Dev = le.Uint32(b[0:])
	st.Ino = le.Uint32(b[4:])
	st.Type = int16(le.Uint16(b[8:]))
	st.Nlink = int16(le.Uint16(b[10:]))
	st.Size = le.Uint32(b[12:])
	decodeDate(b[16:], &st.Mtime)
}

// filestat fills st with metadata of an inode-backed file.
func (m *Machine) filestat(t *KThread, f *File, st *Stat) int {
	if f.typ != fdInode {
		return -1
	}
	m.ilock(t, f.ip)
	m.stati(f.ip, st)
	m.iunlock(t, f.ip)
	return 0
}

// fileread reads from f into dst, advancing the offset.
func (m *Machine) fileread(t *KThread, f *File, dst []byte) int {
	if !f.readable {
		return -1
	}
	switch f.typ {
	case fdPipe:
		return m.piperead(t, f.pipe, dst)
	case fdInode:
		m.ilock(t, f.ip)
		r := m.readi(t, f.ip, dst, f.off)
		if r > 0 {
			f.off += uint32(r)
		}
		m.iunlock(t, f.ip)
		return r
	}
	panicf("fileread")
	return -1
}

// filewrite writes src to f. Inode writes are split into chunks small
// enough that each transaction stays within the log's per-operation
// block budget: the inode block, the indirect block, two bitmap
// allocations, and the rest halved as slop.
func (m *Machine) filewrite(t *KThread, f *File, src []byte) int {
	if !f.writable {
		return -1
	}
	switch f.typ {
	case fdPipe:
		return m.pipewrite(t, f.pipe, src)
	case fdInode:
		maxChunk := (MAXOPBLOCKS - 1 - 1 - 2) / 2 * BSIZE
		i := 0
		for i < len(src) {
			n := len(src) - i
			if n > maxChunk {
				n = maxChunk
			}

			m.beginOp(t)
			m.ilock(t, f.ip)
			r := m.writei(t, f.ip, src[i:i+n], f.off)
			if r > 0 {
				f.off += uint32(r)
			}
			m.iunlock(t, f.ip)
			m.endOp(t)

			if r < 0 {
				break
			}
			if r != n {
				panicf("short filewrite")
			}
			i += r
		}
		if i == len(src) {
			return i
		}
		return -1
	}
	panicf("filewrite")
	return -1
}

// Devsw is the device-operations record registered per major device
// number. Ioctl argument bytes are validated and copied by the
// system-call layer before dispatch; ArgBytes reports how many bytes
// a given request expects, so a driver is never handed an
// under-validated pointer.
type Devsw struct {
	Read  func(t *KThread, ip *Inode, dst []byte) int
	Write func(t *KThread, ip *Inode, src []byte) int

	Ioctl    func(t *KThread, ip *Inode, req int, arg []byte) int
	ArgBytes func(req int) int
}

// RegisterDevice installs a driver at the given major number. Devices
// register at boot, before Boot starts the CPUs.
func (m *Machine) RegisterDevice(major int, d Devsw) {
	if major <= 0 || major >= NDEV {
		panicf("register device: bad major %d", major)
	}
	m.devsw[major] = d
}

func (m *Machine) dev(major int16) *Devsw {
	if major < 0 || int(major) >= NDEV {
		return nil
	}
	d := &m.devsw[major]
	if d.Read == nil && d.Write == nil && d.Ioctl == nil {
		return nil
	}
	return d
}

// NullDevice returns the devsw for the null/zero device: minor 0
// discards writes and returns EOF, minor 1 additionally reads as an
// endless stream of zero bytes.
func NullDevice() Devsw {
	return Devsw{
		Read: func(t *KThread, ip *Inode, dst []byte) int {
			if ip.minor == 1 {
				for i := range dst {
					dst[i] = 0
				}
				return len(dst)
			}
			return 0
		},
		Write: func(t *KThread, ip *Inode, src []byte) int {
			return len(src)
		},
	}
}
