// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package console implements the console device (major 2): a
// line-disciplined terminal over an io.Reader/io.Writer pair, with
// termios-style ioctls for raw mode and echo control.
package console

import (
	"io"

	"github.com/gvix/gvix/internal/logger"
	"github.com/gvix/gvix/kernel"
)

// ioctl requests.
const (
	IoctlGetAttr = 1
	IoctlSetAttr = 2
)

// Termios attribute flags.
const (
	AttrEcho   = 1 << 0 // echo input back to the output
	AttrCanon  = 1 << 1 // line-buffered input with editing
	attrBytes  = 8      // {iflags u32, reserved u32}
)

const inputBuf = 128

const (
	ctrlH = 0x08 // backspace
	ctrlU = 0x15 // kill line
	ctrlD = 0x04 // end of file
	del   = 0x7F
)

// Console is one console device instance.
type Console struct {
	m   *kernel.Machine
	out io.Writer

	lock *kernel.Spinlock
	icpu *kernel.CPU

	// input buffer indices; r <= w <= e, each modulo inputBuf
	buf [inputBuf]byte
	r   uint32 // read index
	w   uint32 // write index (end of cooked input)
	e   uint32 // edit index

	flags uint32 // AttrEcho | AttrCanon
}

// Attach wires a console to the machine, reading keystrokes from in
// on a device goroutine and writing output to out. Call before
// machine.Boot.
func Attach(m *kernel.Machine, in io.Reader, out io.Writer) *Console {
	c := &Console{
		m:     m,
		out:   out,
		lock:  kernel.NewSpinlock("console"),
		icpu:  m.NewIntrCPU("console"),
		flags: AttrEcho | AttrCanon,
	}
	m.RegisterDevice(kernel.DevConsole, kernel.Devsw{
		Read:     c.read,
		Write:    c.write,
		Ioctl:    c.ioctl,
		ArgBytes: c.argBytes,
	})
	if in != nil {
		go c.inputLoop(in)
	}
	return c
}

// inputLoop plays the role of the keyboard interrupt handler, feeding
// bytes through the line discipline.
func (c *Console) inputLoop(in io.Reader) {
	var b [64]byte
	for {
		n, err := in.Read(b[:])
		for _, ch := range b[:n] {
			c.intr(ch)
		}
		if err != nil {
			// Host input is gone; deliver EOF to any blocked reader.
			c.intr(ctrlD)
			return
		}
	}
}

// intr handles one input byte in interrupt context.
func (c *Console) intr(ch byte) {
	c.lock.Lock(c.icpu)
	canon := c.flags&AttrCanon != 0
	switch {
	case canon && ch == ctrlU: // kill line
		for c.e != c.w && c.buf[(c.e-1)%inputBuf] != '\n' {
			c.e--
			c.echo(del)
		}
	case canon && (ch == ctrlH || ch == del): // backspace
		if c.e != c.w {
			c.e--
			c.echo(del)
		}
	default:
		if c.e-c.r < inputBuf {
			if ch == '\r' {
				ch = '\n'
			}
			c.buf[c.e%inputBuf] = ch
			c.e++
			c.echo(ch)
			if !canon || ch == '\n' || ch == ctrlD || c.e == c.r+inputBuf {
				c.w = c.e
				c.m.WakeupOn(c.icpu, &c.r)
			}
		}
	}
	c.lock.Unlock(c.icpu)
}

func (c *Console) echo(ch byte) {
	if c.flags&AttrEcho == 0 || c.out == nil {
		return
	}
	if ch == del {
		c.out.Write([]byte{'\b', ' ', '\b'})
		return
	}
	c.out.Write([]byte{ch})
}

// read blocks until a line (or any byte, in raw mode) is available.
// A ^D at the start of a read reads as end of file.
func (c *Console) read(t *kernel.KThread, ip *kernel.Inode, dst []byte) int {
	c.lock.Lock(t.CPU())
	n := 0
	for n < len(dst) {
		for c.r == c.w {
			if t.Killed() {
				c.lock.Unlock(t.CPU())
				return -1
			}
			if n > 0 {
				// Partial data beats waiting for more.
				c.lock.Unlock(t.CPU())
				return n
			}
			c.m.SleepOn(t, &c.r, c.lock)
		}
		ch := c.buf[c.r%inputBuf]
		c.r++
		if ch == ctrlD { // EOF
			break
		}
		dst[n] = ch
		n++
		if c.flags&AttrCanon != 0 && ch == '\n' {
			break
		}
	}
	c.lock.Unlock(t.CPU())
	return n
}

func (c *Console) write(t *kernel.KThread, ip *kernel.Inode, src []byte) int {
	if c.out == nil {
		return len(src)
	}
	if _, err := c.out.Write(src); err != nil {
		logger.Warnf("console: write: %v", err)
		return -1
	}
	return len(src)
}

func (c *Console) argBytes(req int) int {
	switch req {
	case IoctlGetAttr, IoctlSetAttr:
		return attrBytes
	}
	return 0
}

func (c *Console) ioctl(t *kernel.KThread, ip *kernel.Inode, req int, arg []byte) int {
	switch req {
	case IoctlGetAttr:
		c.lock.Lock(t.CPU())
		flags := c.flags
		c.lock.Unlock(t.CPU())
		le32put(arg[0:], flags)
		le32put(arg[4:], 0)
		return 0
	case IoctlSetAttr:
		flags := le32get(arg[0:])
		c.lock.Lock(t.CPU())
		c.flags = flags & (AttrEcho | AttrCanon)
		if c.flags&AttrCanon == 0 {
			c.w = c.e // flush any half-edited line to readers
		}
		c.lock.Unlock(t.CPU())
		return 0
	}
	logger.Warnf("console: unknown ioctl request %d", req)
	return -1
}

func le32get(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le32put(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
