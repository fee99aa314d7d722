// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "encoding/binary"

func (m *Machine) sysFork(t *KThread) int32 {
	return int32(m.fork(t))
}

func (m *Machine) sysExit(t *KThread) int32 {
	m.exit(t)
	return 0 // not reached
}

func (m *Machine) sysWait(t *KThread) int32 {
	return int32(m.wait(t))
}

func (m *Machine) sysKill(t *KThread) int32 {
	var pid int32
	if m.argint(t, 0, &pid) < 0 {
		return -1
	}
	return int32(m.kill(t.cpu, int(pid)))
}

func (m *Machine) sysGetpid(t *KThread) int32 {
	return int32(t.proc.pid)
}

func (m *Machine) sysSbrk(t *KThread) int32 {
	var n int32
	if m.argint(t, 0, &n) < 0 {
		return -1
	}
	addr := t.proc.sz
	if !m.growproc(t, int(n)) {
		return -1
	}
	return int32(addr)
}

func (m *Machine) sysSleep(t *KThread) int32 {
	var n int32
	if m.argint(t, 0, &n) < 0 {
		return -1
	}
	m.tickslock.acquire(t.cpu)
	ticks0 := m.ticks
	for m.ticks-ticks0 < uint32(n) {
		if t.proc.killed {
			m.tickslock.release(t.cpu)
			return -1
		}
		m.sleep(t, &m.ticks, &m.tickslock)
	}
	m.tickslock.release(t.cpu)
	return 0
}

// sysUptime returns how many clock tick interrupts have occurred
// since boot.
func (m *Machine) sysUptime(t *KThread) int32 {
	m.tickslock.acquire(t.cpu)
	xticks := m.ticks
	m.tickslock.release(t.cpu)
	return int32(xticks)
}

// Date is the wall-clock record returned by gettime, the shape the
// original read out of the CMOS RTC.
type Date struct {
	Second  uint32
	Minute  uint32
	Hour    uint32
	Weekday uint32 // 1..7, Sunday = 1
	Day     uint32
	Month   uint32
	Year    uint32
}

// dateSize is the byte size of an encoded Date.
const dateSize = 28

func encodeDate(d *Date, b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], d.Second)
	le.PutUint32(b[4:], d.Minute)
	le.PutUint32(b[8:], d.Hour)
	le.PutUint32(b[12:], d.Weekday)
	le.PutUint32(b[16:], d.Day)
	le.PutUint32(b[20:], d.Month)
	le.PutUint32(b[24:], d.Year)
}

func decodeDate(b []byte, d *Date) {
	le := binary.LittleEndian
	d.Second = le.Uint32(b[0:])
	d.Minute = le.Uint32(b[4:])
	d.Hour = le.Uint32(b[8:])
	d.Weekday = le.Uint32(b[12:])
	d.Day = le.Uint32(b[16:])
	d.Month = le.Uint32(b[20:])
	d.Year = le.Uint32(b[24:])
}

// sysGettime copies the current wall-clock time (GMT) to a user
// buffer.
func (m *Machine) sysGettime(t *KThread) int32 {
	var addr uint32
	if m.argptr(t, 0, &addr, dateSize) < 0 {
		return -1
	}
	now := m.clock.Now().UTC()
	d := Date{
		Second:  uint32(now.Second()),
		Minute:  uint32(now.Minute()),
		Hour:    uint32(now.Hour()),
		Weekday: uint32(now.Weekday()) + 1,
		Day:     uint32(now.Day()),
		Month:   uint32(now.Month()),
		Year:    uint32(now.Year()),
	}
	var b [dateSize]byte
	encodeDate(&d, b[:])
	if !m.copyout(t.cpu, t.proc.pgdir, addr, b[:]) {
		return -1
	}
	return 0
}
