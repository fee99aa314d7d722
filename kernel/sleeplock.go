// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

// Sleeplock is a lock that parks its waiter instead of spinning, for
// critical sections that span disk I/O. Because waiting leaves
// interrupts enabled, sleeplocks must not be taken inside a spinlock
// critical section or in interrupt context.
type Sleeplock struct {
	locked bool
	lk     Spinlock // protects locked and pid

	// Debug state.
	name string
	pid  int // holder, 0 when free
}

func initsleeplock(slk *Sleeplock, name string) {
	initlock(&slk.lk, "sleep lock")
	slk.locked = false
	slk.name = name
	slk.pid = 0
}

func (slk *Sleeplock) acquiresleep(t *KThread) {
	slk.lk.acquire(t.cpu)
	for slk.locked {
		t.cpu.m.sleep(t, slk, &slk.lk)
	}
	slk.locked = true
	slk.pid = t.proc.pid
	slk.lk.release(t.cpu)
}

func (slk *Sleeplock) releasesleep(t *KThread) {
	slk.lk.acquire(t.cpu)
	slk.pid = 0
	slk.locked = false
	t.cpu.m.wakeup(t.cpu, slk)
	slk.lk.release(t.cpu)
}

// holdingsleep reports whether the calling process holds the lock.
func (slk *Sleeplock) holdingsleep(t *KThread) bool {
	slk.lk.acquire(t.cpu)
	r := slk.locked && slk.pid == t.proc.pid
	slk.lk.release(t.cpu)
	return r
}
