// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import "sync"

// testDisk is a minimal in-package DiskDriver for white-box tests
// (the real memdisk package cannot be imported here without an import
// cycle through the kernel).
type testDisk struct {
	mu       sync.Mutex
	image    []byte
	hook     func(blockno uint32, data []byte) bool
	complete func(data []byte)
	reqs     chan testReq
	reads    int
	writes   int
}

type testReq struct {
	write   bool
	blockno uint32
	data    []byte
}

func newTestDisk(image []byte) *testDisk {
	return &testDisk{
		image: append([]byte(nil), image...),
		reqs:  make(chan testReq, 1),
	}
}

func (d *testDisk) Init(complete func(data []byte)) error {
	d.complete = complete
	go d.serve()
	return nil
}

func (d *testDisk) Start(write bool, blockno uint32, data []byte) {
	d.reqs <- testReq{write: write, blockno: blockno, data: data}
}

func (d *testDisk) serve() {
	for req := range d.reqs {
		d.mu.Lock()
		off := int(req.blockno) * BSIZE
		var out []byte
		if req.write {
			d.writes++
			if d.hook == nil || d.hook(req.blockno, req.data) {
				copy(d.image[off:off+BSIZE], req.data)
			}
		} else {
			d.reads++
			out = append([]byte(nil), d.image[off:off+BSIZE]...)
		}
		d.mu.Unlock()
		d.complete(out)
	}
}

func (d *testDisk) snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.image...)
}

func (d *testDisk) setHook(hook func(blockno uint32, data []byte) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = hook
}
