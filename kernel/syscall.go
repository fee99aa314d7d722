// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"encoding/binary"

	"github.com/gvix/gvix/internal/logger"
)

// System call numbers.
const (
	sysFork    = 1
	sysExit    = 2
	sysWait    = 3
	sysPipe    = 4
	sysRead    = 5
	sysKill    = 6
	sysExec    = 7
	sysFstat   = 8
	sysChdir   = 9
	sysDup     = 10
	sysGetpid  = 11
	sysSbrk    = 12
	sysSleep   = 13
	sysUptime  = 14
	sysOpen    = 15
	sysWrite   = 16
	sysMknod   = 17
	sysUnlink  = 18
	sysLink    = 19
	sysMkdir   = 20
	sysClose   = 21
	sysGettime = 22
	sysIoctl   = 23
)

// User arguments live in the process's address space: the syscall
// number in eax and the arguments above the saved user stack pointer,
// exactly where a C caller pushed them.

// fetchint reads a 32-bit int at user address addr.
func (m *Machine) fetchint(t *KThread, addr uint32, ip *int32) int {
	p := t.proc
	if addr >= p.sz || addr+4 > p.sz {
		return -1
	}
	var b [4]byte
	if !m.copyin(t.cpu, p.pgdir, addr, b[:]) {
		return -1
	}
	*ip = int32(binary.LittleEndian.Uint32(b[:]))
	return 0
}

// fetchstr reads the NUL-terminated string at user address addr. The
// terminator must lie within the process's address space.
func (m *Machine) fetchstr(t *KThread, addr uint32, s *string) int {
	p := t.proc
	if addr >= p.sz {
		return -1
	}
	buf := make([]byte, p.sz-addr)
	if !m.copyin(t.cpu, p.pgdir, addr, buf) {
		return -1
	}
	for i, c := range buf {
		if c == 0 {
			*s = string(buf[:i])
			return i
		}
	}
	return -1
}

// argint fetches the n-th 32-bit syscall argument.
func (m *Machine) argint(t *KThread, n int, ip *int32) int {
	return m.fetchint(t, t.proc.tf.Esp+4+4*uint32(n), ip)
}

// argptr fetches the n-th argument as a user pointer to a block of
// size bytes, checking that the block lies within the address space.
func (m *Machine) argptr(t *KThread, n int, pp *uint32, size int) int {
	var i int32
	if m.argint(t, n, &i) < 0 {
		return -1
	}
	p := t.proc
	addr := uint32(i)
	if size < 0 || addr >= p.sz || addr+uint32(size) > p.sz {
		return -1
	}
	*pp = addr
	return 0
}

// argstr fetches the n-th argument as a NUL-terminated string.
func (m *Machine) argstr(t *KThread, n int, s *string) int {
	var addr int32
	if m.argint(t, n, &addr) < 0 {
		return -1
	}
	return m.fetchstr(t, uint32(addr), s)
}

var syscalls = map[uint32]struct {
	name string
	fn   func(*Machine, *KThread) int32
}{
	sysFork:    {"fork", (*Machine).sysFork},
	sysExit:    {"exit", (*Machine).sysExit},
	sysWait:    {"wait", (*Machine).sysWait},
	sysPipe:    {"pipe", (*Machine).sysPipe},
	sysRead:    {"read", (*Machine).sysRead},
	sysKill:    {"kill", (*Machine).sysKill},
	sysExec:    {"exec", (*Machine).sysExec},
	sysFstat:   {"fstat", (*Machine).sysFstat},
	sysChdir:   {"chdir", (*Machine).sysChdir},
	sysDup:     {"dup", (*Machine).sysDup},
	sysGetpid:  {"getpid", (*Machine).sysGetpid},
	sysSbrk:    {"sbrk", (*Machine).sysSbrk},
	sysSleep:   {"sleep", (*Machine).sysSleep},
	sysUptime:  {"uptime", (*Machine).sysUptime},
	sysOpen:    {"open", (*Machine).sysOpen},
	sysWrite:   {"write", (*Machine).sysWrite},
	sysMknod:   {"mknod", (*Machine).sysMknod},
	sysUnlink:  {"unlink", (*Machine).sysUnlink},
	sysLink:    {"link", (*Machine).sysLink},
	sysMkdir:   {"mkdir", (*Machine).sysMkdir},
	sysClose:   {"close", (*Machine).sysClose},
	sysGettime: {"gettime", (*Machine).sysGettime},
	sysIoctl:   {"ioctl", (*Machine).sysIoctl},
}

// syscall dispatches on the number in eax and stores the return value
// back into eax.
func (m *Machine) syscall(t *KThread) {
	p := t.proc
	num := p.tf.Eax
	sc, ok := syscalls[num]
	if !ok {
		logger.Warnf("%d %s: unknown sys call %d", p.pid, p.name, num)
		errVal := int32(-1)
		p.tf.Eax = uint32(errVal)
		return
	}
	logger.Tracef("%d %s: %s", p.pid, p.name, sc.name)
	p.tf.Eax = uint32(sc.fn(m, t))
}
