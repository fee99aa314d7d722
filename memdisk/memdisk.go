// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memdisk implements the kernel's disk-driver contract over
// an in-memory block image. Requests are served by a device goroutine
// that raises the completion interrupt, and writes can be dropped on
// demand to simulate power loss for crash-recovery testing.
package memdisk

import (
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/gvix/gvix/disklayout"
)

type request struct {
	write   bool
	blockno uint32
	data    []byte
}

// Disk is one simulated disk.
type Disk struct {
	// Latency added to every request, for tests that want the
	// request queue to actually queue.
	Latency time.Duration

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	image   []byte
	crashed bool
	reads   int
	writes  int

	// writeHook, if set, is consulted before applying a write; a
	// false return drops the bytes on the floor (the request still
	// completes, as a dying disk's acknowledgement might).
	// GUARDED_BY(mu)
	writeHook func(blockno uint32, data []byte) bool

	reqs     chan request
	complete func(data []byte)
	stop     chan struct{}
}

// New builds a disk from a filesystem image, copying it.
func New(image []byte) (*Disk, error) {
	if len(image) == 0 || len(image)%disklayout.BlockSize != 0 {
		return nil, fmt.Errorf("memdisk: image size %d not a multiple of %d",
			len(image), disklayout.BlockSize)
	}
	d := &Disk{
		image: append([]byte(nil), image...),
		reqs:  make(chan request, 1),
		stop:  make(chan struct{}),
	}
	d.mu = syncutil.NewInvariantMutex(d.checkInvariants)
	return d, nil
}

func (d *Disk) checkInvariants() {
	if len(d.image)%disklayout.BlockSize != 0 {
		panic(fmt.Sprintf("memdisk: image size %d", len(d.image)))
	}
}

// NBlocks returns the disk size in blocks.
func (d *Disk) NBlocks() uint32 {
	return uint32(len(d.image) / disklayout.BlockSize)
}

// Init starts the device goroutine. complete delivers the completion
// interrupt to the kernel.
func (d *Disk) Init(complete func(data []byte)) error {
	if d.complete != nil {
		return fmt.Errorf("memdisk: already initialized")
	}
	d.complete = complete
	go d.serve()
	return nil
}

// Start begins one request. The kernel guarantees a single request in
// flight.
func (d *Disk) Start(write bool, blockno uint32, data []byte) {
	d.reqs <- request{write: write, blockno: blockno, data: data}
}

func (d *Disk) serve() {
	for {
		var req request
		select {
		case req = <-d.reqs:
		case <-d.stop:
			return
		}
		if d.Latency > 0 {
			time.Sleep(d.Latency)
		}
		d.complete(d.handle(req))
	}
}

func (d *Disk) handle(req request) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := int(req.blockno) * disklayout.BlockSize
	if off < 0 || off+disklayout.BlockSize > len(d.image) {
		panic(fmt.Sprintf("memdisk: block %d out of range", req.blockno))
	}

	if req.write {
		d.writes++
		if !d.crashed && (d.writeHook == nil || d.writeHook(req.blockno, req.data)) {
			copy(d.image[off:off+disklayout.BlockSize], req.data)
		}
		return nil
	}
	d.reads++
	out := make([]byte, disklayout.BlockSize)
	copy(out, d.image[off:off+disklayout.BlockSize])
	return out
}

// Crash makes all further writes vanish, freezing the image at the
// simulated moment of power loss. Reads keep working so the dying
// kernel can stumble on.
func (d *Disk) Crash() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.crashed = true
}

// SetWriteHook installs a per-write decision hook; returning false
// drops that write. Used to stage precise crash points.
func (d *Disk) SetWriteHook(hook func(blockno uint32, data []byte) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeHook = hook
}

// Image returns a snapshot copy of the current on-disk bytes.
func (d *Disk) Image() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.image...)
}

// Stats returns how many reads and writes the device has served.
func (d *Disk) Stats() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

// Close stops the device goroutine once the current request drains.
func (d *Disk) Close() {
	close(d.stop)
}
