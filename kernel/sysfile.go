// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"encoding/binary"

	"github.com/gvix/gvix/disklayout"
)

// Open flags.
const (
	O_RDONLY = 0x000
	O_WRONLY = 0x001
	O_RDWR   = 0x002
	O_CREATE = 0x040 // create file if it does not exist
	O_TRUNC  = 0x200 // truncate to length 0
	O_APPEND = 0x400 // position writes at end of file
)

// argfd fetches the n-th argument as a file descriptor of the calling
// process.
func (m *Machine) argfd(t *KThread, n int, pfd *int, pf **File) int {
	var fd int32
	if m.argint(t, n, &fd) < 0 {
		return -1
	}
	if fd < 0 || fd >= NOFILE {
		return -1
	}
	f := t.proc.ofile[fd]
	if f == nil {
		return -1
	}
	if pfd != nil {
		*pfd = int(fd)
	}
	if pf != nil {
		*pf = f
	}
	return 0
}

// fdalloc installs f in the lowest free slot of the caller's
// descriptor table.
func (m *Machine) fdalloc(t *KThread, f *File) int {
	p := t.proc
	for fd := 0; fd < NOFILE; fd++ {
		if p.ofile[fd] == nil {
			p.ofile[fd] = f
			return fd
		}
	}
	return -1
}

func (m *Machine) sysDup(t *KThread) int32 {
	var f *File
	if m.argfd(t, 0, nil, &f) < 0 {
		return -1
	}
	fd := m.fdalloc(t, f)
	if fd < 0 {
		return -1
	}
	m.filedup(t.cpu, f)
	return int32(fd)
}

func (m *Machine) sysRead(t *KThread) int32 {
	var f *File
	var n int32
	var addr uint32
	if m.argfd(t, 0, nil, &f) < 0 || m.argint(t, 2, &n) < 0 || m.argptr(t, 1, &addr, int(n)) < 0 {
		return -1
	}
	buf := make([]byte, n)
	r := m.fileread(t, f, buf)
	if r < 0 {
		return -1
	}
	if !m.copyout(t.cpu, t.proc.pgdir, addr, buf[:r]) {
		return -1
	}
	return int32(r)
}

func (m *Machine) sysWrite(t *KThread) int32 {
	var f *File
	var n int32
	var addr uint32
	if m.argfd(t, 0, nil, &f) < 0 || m.argint(t, 2, &n) < 0 || m.argptr(t, 1, &addr, int(n)) < 0 {
		return -1
	}
	buf := make([]byte, n)
	if !m.copyin(t.cpu, t.proc.pgdir, addr, buf) {
		return -1
	}
	return int32(m.filewrite(t, f, buf))
}

func (m *Machine) sysClose(t *KThread) int32 {
	var fd int
	var f *File
	if m.argfd(t, 0, &fd, &f) < 0 {
		return -1
	}
	t.proc.ofile[fd] = nil
	m.fileclose(t, f)
	return 0
}

func (m *Machine) sysFstat(t *KThread) int32 {
	var f *File
	var addr uint32
	if m.argfd(t, 0, nil, &f) < 0 || m.argptr(t, 1, &addr, statSize) < 0 {
		return -1
	}
	var st Stat
	if m.filestat(t, f, &st) < 0 {
		return -1
	}
	var b [statSize]byte
	encodeStat(&st, b[:])
	if !m.copyout(t.cpu, t.proc.pgdir, addr, b[:]) {
		return -1
	}
	return 0
}

// sysLink creates the path new as a link to the same inode as old.
func (m *Machine) sysLink(t *KThread) int32 {
	var old, new string
	if m.argstr(t, 0, &old) < 0 || m.argstr(t, 1, &new) < 0 {
		return -1
	}

	m.beginOp(t)
	ip := m.namei(t, old)
	if ip == nil {
		m.endOp(t)
		return -1
	}

	m.ilock(t, ip)
	if ip.typ == T_DIR {
		m.iunlockput(t, ip)
		m.endOp(t)
		return -1
	}

	ip.nlink++
	m.iupdate(t, ip)
	m.iunlock(t, ip)

	if dp, name := m.nameiparent(t, new); dp != nil {
		m.ilock(t, dp)
		if dp.dev != ip.dev || m.dirlink(t, dp, name, ip.inum) < 0 {
			m.iunlockput(t, dp)
		} else {
			m.iunlockput(t, dp)
			m.iput(t, ip)
			m.endOp(t)
			return 0
		}
	}

	// Undo the link count.
	m.ilock(t, ip)
	ip.nlink--
	m.iupdate(t, ip)
	m.iunlockput(t, ip)
	m.endOp(t)
	return -1
}

// isdirempty reports whether dp holds only "." and "..".
func (m *Machine) isdirempty(t *KThread, dp *Inode) bool {
	var de disklayout.Dirent
	var buf [disklayout.DirentSize]byte
	for off := uint32(2 * disklayout.DirentSize); off < dp.size; off += disklayout.DirentSize {
		if m.readi(t, dp, buf[:], off) != disklayout.DirentSize {
			panicf("isdirempty: readi")
		}
		disklayout.DecodeDirent(buf[:], &de)
		if de.Inum != 0 {
			return false
		}
	}
	return true
}

func (m *Machine) sysUnlink(t *KThread) int32 {
	var path string
	if m.argstr(t, 0, &path) < 0 {
		return -1
	}

	m.beginOp(t)
	dp, name := m.nameiparent(t, path)
	if dp == nil {
		m.endOp(t)
		return -1
	}
	m.ilock(t, dp)

	bad := func() int32 {
		m.iunlockput(t, dp)
		m.endOp(t)
		return -1
	}

	// Cannot unlink "." or "..".
	if name == "." || name == ".." {
		return bad()
	}

	var off uint32
	ip := m.dirlookup(t, dp, name, &off)
	if ip == nil {
		return bad()
	}
	m.ilock(t, ip)

	if ip.nlink < 1 {
		panicf("unlink: nlink < 1")
	}
	if ip.typ == T_DIR && !m.isdirempty(t, ip) {
		m.iunlockput(t, ip)
		return bad()
	}

	var zero [disklayout.DirentSize]byte
	if m.writei(t, dp, zero[:], off) != disklayout.DirentSize {
		panicf("unlink: writei")
	}
	if ip.typ == T_DIR {
		dp.nlink-- // the child's ".." no longer refers to dp
		m.iupdate(t, dp)
	}
	m.iunlockput(t, dp)

	ip.nlink--
	m.iupdate(t, ip)
	m.iunlockput(t, ip)

	m.endOp(t)
	return 0
}

// create makes a new inode of the given type linked at path, or, for
// files, returns an existing one. The result is locked.
func (m *Machine) create(t *KThread, path string, typ int16, major, minor int16) *Inode {
	dp, name := m.nameiparent(t, path)
	if dp == nil {
		return nil
	}
	m.ilock(t, dp)

	if ip := m.dirlookup(t, dp, name, nil); ip != nil {
		m.iunlockput(t, dp)
		m.ilock(t, ip)
		if typ == T_FILE && ip.typ == T_FILE {
			return ip
		}
		m.iunlockput(t, ip)
		return nil
	}

	ip := m.ialloc(t, dp.dev, typ)
	m.ilock(t, ip)
	ip.major = major
	ip.minor = minor
	ip.nlink = 1
	ip.mtime = uint32(m.clock.Now().Unix())
	m.iupdate(t, ip)

	if typ == T_DIR { // Create . and .. entries.
		dp.nlink++ // for ".."
		m.iupdate(t, dp)
		// No ip.nlink++ for ".": avoid cyclic ref count.
		if m.dirlink(t, ip, ".", ip.inum) < 0 || m.dirlink(t, ip, "..", dp.inum) < 0 {
			panicf("create dots")
		}
	}

	if m.dirlink(t, dp, name, ip.inum) < 0 {
		panicf("create: dirlink")
	}

	m.iunlockput(t, dp)
	return ip
}

func (m *Machine) sysOpen(t *KThread) int32 {
	var path string
	var omode int32
	if m.argstr(t, 0, &path) < 0 || m.argint(t, 1, &omode) < 0 {
		return -1
	}

	m.beginOp(t)

	var ip *Inode
	if omode&O_CREATE != 0 {
		ip = m.create(t, path, T_FILE, 0, 0)
		if ip == nil {
			m.endOp(t)
			return -1
		}
	} else {
		ip = m.namei(t, path)
		if ip == nil {
			m.endOp(t)
			return -1
		}
		m.ilock(t, ip)
		if ip.typ == T_DIR && omode != O_RDONLY {
			m.iunlockput(t, ip)
			m.endOp(t)
			return -1
		}
	}

	f := m.filealloc(t.cpu)
	var fd int
	if f != nil {
		fd = m.fdalloc(t, f)
	}
	if f == nil || fd < 0 {
		if f != nil {
			m.fileclose(t, f)
		}
		m.iunlockput(t, ip)
		m.endOp(t)
		return -1
	}

	if ip.typ == T_FILE && omode&O_TRUNC != 0 {
		m.itrunc(t, ip)
	}

	f.typ = fdInode
	f.ip = ip
	f.off = 0
	if ip.typ == T_FILE && omode&O_APPEND != 0 {
		f.off = ip.size
	}
	f.readable = omode&O_WRONLY == 0
	f.writable = omode&O_WRONLY != 0 || omode&O_RDWR != 0

	m.iunlock(t, ip)
	m.endOp(t)
	return int32(fd)
}

func (m *Machine) sysMkdir(t *KThread) int32 {
	var path string
	if m.argstr(t, 0, &path) < 0 {
		return -1
	}
	m.beginOp(t)
	ip := m.create(t, path, T_DIR, 0, 0)
	if ip == nil {
		m.endOp(t)
		return -1
	}
	m.iunlockput(t, ip)
	m.endOp(t)
	return 0
}

func (m *Machine) sysMknod(t *KThread) int32 {
	var path string
	var major, minor int32
	if m.argstr(t, 0, &path) < 0 || m.argint(t, 1, &major) < 0 || m.argint(t, 2, &minor) < 0 {
		return -1
	}
	m.beginOp(t)
	ip := m.create(t, path, T_DEV, int16(major), int16(minor))
	if ip == nil {
		m.endOp(t)
		return -1
	}
	m.iunlockput(t, ip)
	m.endOp(t)
	return 0
}

func (m *Machine) sysChdir(t *KThread) int32 {
	var path string
	if m.argstr(t, 0, &path) < 0 {
		return -1
	}
	p := t.proc
	m.beginOp(t)
	ip := m.namei(t, path)
	if ip == nil {
		m.endOp(t)
		return -1
	}
	m.ilock(t, ip)
	if ip.typ != T_DIR {
		m.iunlockput(t, ip)
		m.endOp(t)
		return -1
	}
	m.iunlock(t, ip)
	m.iput(t, p.cwd)
	m.endOp(t)
	p.cwd = ip
	return 0
}

func (m *Machine) sysExec(t *KThread) int32 {
	var path string
	var uargv int32
	if m.argstr(t, 0, &path) < 0 || m.argint(t, 1, &uargv) < 0 {
		return -1
	}
	var argv []string
	for i := 0; ; i++ {
		if i >= MAXARG {
			return -1
		}
		var uarg int32
		if m.fetchint(t, uint32(uargv)+4*uint32(i), &uarg) < 0 {
			return -1
		}
		if uarg == 0 {
			break
		}
		var s string
		if m.fetchstr(t, uint32(uarg), &s) < 0 {
			return -1
		}
		argv = append(argv, s)
	}
	return int32(m.exec(t, path, argv))
}

func (m *Machine) sysPipe(t *KThread) int32 {
	var addr uint32
	if m.argptr(t, 0, &addr, 8) < 0 {
		return -1
	}
	rf, wf := m.pipealloc(t)
	if rf == nil {
		return -1
	}
	fd0 := m.fdalloc(t, rf)
	fd1 := -1
	if fd0 >= 0 {
		fd1 = m.fdalloc(t, wf)
	}
	if fd0 < 0 || fd1 < 0 {
		if fd0 >= 0 {
			t.proc.ofile[fd0] = nil
		}
		m.fileclose(t, rf)
		m.fileclose(t, wf)
		return -1
	}
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(fd0))
	binary.LittleEndian.PutUint32(b[4:], uint32(fd1))
	if !m.copyout(t.cpu, t.proc.pgdir, addr, b[:]) {
		t.proc.ofile[fd0] = nil
		t.proc.ofile[fd1] = nil
		m.fileclose(t, rf)
		m.fileclose(t, wf)
		return -1
	}
	return 0
}

// sysIoctl dispatches a device-control request. The argument pointer
// is validated for exactly the byte count the driver declares for
// this request, then copied in before and back out after the call, so
// a driver never dereferences an unchecked user pointer.
func (m *Machine) sysIoctl(t *KThread) int32 {
	var f *File
	var req int32
	if m.argfd(t, 0, nil, &f) < 0 || m.argint(t, 1, &req) < 0 {
		return -1
	}
	if f.typ != fdInode {
		return -1
	}
	m.ilock(t, f.ip)
	major := f.ip.major
	m.iunlock(t, f.ip)

	dv := m.dev(major)
	if dv == nil || dv.Ioctl == nil {
		return -1
	}

	var arg []byte
	var addr uint32
	if dv.ArgBytes != nil {
		if n := dv.ArgBytes(int(req)); n > 0 {
			if m.argptr(t, 2, &addr, n) < 0 {
				return -1
			}
			arg = make([]byte, n)
			if !m.copyin(t.cpu, t.proc.pgdir, addr, arg) {
				return -1
			}
		}
	}

	r := dv.Ioctl(t, f.ip, int(req), arg)

	if arg != nil && r >= 0 {
		if !m.copyout(t.cpu, t.proc.pgdir, addr, arg) {
			return -1
		}
	}
	return int32(r)
}
