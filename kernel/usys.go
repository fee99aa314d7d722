// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "encoding/binary"

// Sys is the system-call surface handed to a user program. Each call
// marshals its arguments the way compiled user code would: string and
// buffer arguments are pushed onto the process's user stack, the word
// arguments follow in C calling convention, the syscall number lands
// in eax, and the trap layer takes over. Results come back in eax and
// out-buffers are copied back from user memory.
type Sys struct {
	m *Machine
	t *KThread
}

// Machine returns the machine this process runs on.
func (s *Sys) Machine() *Machine { return s.m }

// Pid returns the calling process's pid without entering the kernel.
func (s *Sys) Pid() int { return s.t.proc.pid }

// pushBytes places b on the user stack, word-aligned, and returns its
// user virtual address. Zero means the stack page is unmapped.
func (s *Sys) pushBytes(b []byte) uint32 {
	tf := s.t.proc.tf
	sp := (tf.Esp - uint32(len(b))) &^ 3
	if !s.m.copyout(s.t.cpu, s.t.proc.pgdir, sp, b) {
		return 0
	}
	tf.Esp = sp
	return sp
}

func (s *Sys) pushStr(str string) uint32 {
	return s.pushBytes(append([]byte(str), 0))
}

// trap pushes the argument words and a fake return address, fires the
// system call, and restores the stack pointer afterwards (unless the
// call replaced the address space).
func (s *Sys) trap(num uint32, args ...uint32) int32 {
	p := s.t.proc
	tf := p.tf
	savedEsp := tf.Esp

	frame := make([]byte, 4*(len(args)+1))
	binary.LittleEndian.PutUint32(frame, 0xFFFFFFFF) // fake return address
	for i, a := range args {
		binary.LittleEndian.PutUint32(frame[4*(i+1):], a)
	}
	sp := tf.Esp - uint32(len(frame))
	if !s.m.copyout(s.t.cpu, p.pgdir, sp, frame) {
		return -1
	}
	tf.Esp = sp
	tf.Eax = num
	tf.Trapno = tSyscall

	m := s.m
	m.trap(s.t.cpu, s.t, tf)

	r := int32(tf.Eax)
	if num == sysExec && r == 0 {
		// exec installed a fresh stack; the old pointer is gone.
		return 0
	}
	tf.Esp = savedEsp
	return r
}

// Fork creates a child process running the given continuation with
// its own copy of the address space and file table. Returns the child
// pid, or -1 on failure; the child itself starts in child with fork's
// conventional zero already consumed.
func (s *Sys) Fork(child UserProg) int {
	s.t.proc.forkChild = child
	return int(s.trap(sysFork))
}

// Exit terminates the calling process. It does not return.
func (s *Sys) Exit() {
	s.trap(sysExit)
	panicf("exit returned")
}

// Wait blocks until a child exits and returns its pid, or -1 if the
// caller has no children.
func (s *Sys) Wait() int {
	return int(s.trap(sysWait))
}

// Kill flags pid for termination.
func (s *Sys) Kill(pid int) int {
	return int(s.trap(sysKill, uint32(pid)))
}

// Getpid returns the calling process's pid.
func (s *Sys) Getpid() int {
	return int(s.trap(sysGetpid))
}

// Sbrk grows the process's memory by n bytes, returning the old
// program break, or -1.
func (s *Sys) Sbrk(n int) int {
	return int(s.trap(sysSbrk, uint32(int32(n))))
}

// Sleep blocks for n clock ticks.
func (s *Sys) Sleep(n int) int {
	return int(s.trap(sysSleep, uint32(int32(n))))
}

// Uptime returns the tick count since boot.
func (s *Sys) Uptime() int {
	return int(s.trap(sysUptime))
}

// Gettime fills d with the current wall-clock time.
func (s *Sys) Gettime(d *Date) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	addr := s.pushBytes(make([]byte, dateSize))
	if addr == 0 {
		return -1
	}
	r := int(s.trap(sysGettime, addr))
	if r == 0 {
		var b [dateSize]byte
		if !s.m.copyin(s.t.cpu, s.t.proc.pgdir, addr, b[:]) {
			return -1
		}
		decodeDate(b[:], d)
	}
	return r
}

// Exec replaces the process image with the ELF at path. On success
// the new image is installed and 0 is returned (the simulation does
// not execute user instructions); on failure the old image is intact
// and -1 is returned.
func (s *Sys) Exec(path string, argv []string) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp

	pathAddr := s.pushStr(path)
	if pathAddr == 0 {
		tf.Esp = savedEsp
		return -1
	}
	addrs := make([]uint32, 0, len(argv)+1)
	for _, a := range argv {
		aa := s.pushStr(a)
		if aa == 0 {
			tf.Esp = savedEsp
			return -1
		}
		addrs = append(addrs, aa)
	}
	addrs = append(addrs, 0)
	vec := make([]byte, 4*len(addrs))
	for i, a := range addrs {
		binary.LittleEndian.PutUint32(vec[4*i:], a)
	}
	vecAddr := s.pushBytes(vec)
	if vecAddr == 0 {
		tf.Esp = savedEsp
		return -1
	}

	r := int(s.trap(sysExec, pathAddr, vecAddr))
	if r != 0 {
		tf.Esp = savedEsp
	}
	return r
}

// Open opens path with the given mode/flags, returning a descriptor.
func (s *Sys) Open(path string, omode int) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	addr := s.pushStr(path)
	if addr == 0 {
		return -1
	}
	return int(s.trap(sysOpen, addr, uint32(omode)))
}

// Close closes a descriptor.
func (s *Sys) Close(fd int) int {
	return int(s.trap(sysClose, uint32(fd)))
}

// stackScratch is the largest buffer marshalled through the user
// stack; anything bigger goes through a temporary heap extension,
// the way a real caller would malloc it.
const stackScratch = 1024

// heapBuf extends the program break by n bytes and returns the
// address plus a release function. Zero address means failure.
func (s *Sys) heapBuf(n int) (uint32, func()) {
	base := s.trap(sysSbrk, uint32(int32(n)))
	if base < 0 {
		return 0, func() {}
	}
	return uint32(base), func() { s.trap(sysSbrk, uint32(int32(-n))) }
}

// Read reads up to len(buf) bytes from fd into buf.
func (s *Sys) Read(fd int, buf []byte) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	var addr uint32
	if len(buf) > stackScratch {
		var release func()
		addr, release = s.heapBuf(len(buf))
		if addr == 0 {
			return -1
		}
		defer release()
	} else {
		addr = s.pushBytes(make([]byte, len(buf)))
		if addr == 0 && len(buf) > 0 {
			return -1
		}
	}
	r := int(s.trap(sysRead, uint32(fd), addr, uint32(len(buf))))
	if r > 0 {
		if !s.m.copyin(s.t.cpu, s.t.proc.pgdir, addr, buf[:r]) {
			return -1
		}
	}
	return r
}

// Write writes buf to fd.
func (s *Sys) Write(fd int, buf []byte) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	var addr uint32
	if len(buf) > stackScratch {
		var release func()
		addr, release = s.heapBuf(len(buf))
		if addr == 0 {
			return -1
		}
		defer release()
		if !s.m.copyout(s.t.cpu, s.t.proc.pgdir, addr, buf) {
			return -1
		}
	} else {
		addr = s.pushBytes(buf)
		if addr == 0 && len(buf) > 0 {
			return -1
		}
	}
	return int(s.trap(sysWrite, uint32(fd), addr, uint32(len(buf))))
}

// Dup duplicates fd into the lowest free descriptor.
func (s *Sys) Dup(fd int) int {
	return int(s.trap(sysDup, uint32(fd)))
}

// Fstat fills st with fd's metadata.
func (s *Sys) Fstat(fd int, st *Stat) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	addr := s.pushBytes(make([]byte, statSize))
	if addr == 0 {
		return -1
	}
	r := int(s.trap(sysFstat, uint32(fd), addr))
	if r == 0 {
		var b [statSize]byte
		if !s.m.copyin(s.t.cpu, s.t.proc.pgdir, addr, b[:]) {
			return -1
		}
		decodeStat(b[:], st)
	}
	return r
}

// Link creates newpath referring to oldpath's inode.
func (s *Sys) Link(oldpath, newpath string) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	oa := s.pushStr(oldpath)
	na := s.pushStr(newpath)
	if oa == 0 || na == 0 {
		return -1
	}
	return int(s.trap(sysLink, oa, na))
}

// Unlink removes the directory entry at path.
func (s *Sys) Unlink(path string) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	addr := s.pushStr(path)
	if addr == 0 {
		return -1
	}
	return int(s.trap(sysUnlink, addr))
}

// Mkdir creates a directory at path.
func (s *Sys) Mkdir(path string) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	addr := s.pushStr(path)
	if addr == 0 {
		return -1
	}
	return int(s.trap(sysMkdir, addr))
}

// Mknod creates a device node at path.
func (s *Sys) Mknod(path string, major, minor int) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	addr := s.pushStr(path)
	if addr == 0 {
		return -1
	}
	return int(s.trap(sysMknod, addr, uint32(major), uint32(minor)))
}

// Chdir changes the working directory.
func (s *Sys) Chdir(path string) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	addr := s.pushStr(path)
	if addr == 0 {
		return -1
	}
	return int(s.trap(sysChdir, addr))
}

// Pipe creates a pipe, storing the read end in fd[0] and the write
// end in fd[1].
func (s *Sys) Pipe(fd *[2]int) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	addr := s.pushBytes(make([]byte, 8))
	if addr == 0 {
		return -1
	}
	r := int(s.trap(sysPipe, addr))
	if r == 0 {
		var b [8]byte
		if !s.m.copyin(s.t.cpu, s.t.proc.pgdir, addr, b[:]) {
			return -1
		}
		fd[0] = int(binary.LittleEndian.Uint32(b[0:]))
		fd[1] = int(binary.LittleEndian.Uint32(b[4:]))
	}
	return r
}

// Ioctl issues a device-control request. arg is copied into user
// memory before the call and back out after, mirroring an in/out
// argument record.
func (s *Sys) Ioctl(fd, req int, arg []byte) int {
	tf := s.t.proc.tf
	savedEsp := tf.Esp
	defer func() { tf.Esp = savedEsp }()

	var addr uint32
	if len(arg) > 0 {
		addr = s.pushBytes(arg)
		if addr == 0 {
			return -1
		}
	}
	r := int(s.trap(sysIoctl, uint32(fd), uint32(int32(req)), addr))
	if r >= 0 && len(arg) > 0 {
		if !s.m.copyin(s.t.cpu, s.t.proc.pgdir, addr, arg) {
			return -1
		}
	}
	return r
}
