// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinlockAcquireRelease(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU

	var lk Spinlock
	initlock(&lk, "test")

	require.False(t, lk.holding(c))
	lk.acquire(c)
	require.True(t, lk.holding(c))
	assert.Equal(t, c, lk.cpu)
	assert.NotZero(t, lk.pcs[0], "acquire should record a call chain")
	lk.release(c)
	require.False(t, lk.holding(c))
	assert.Nil(t, lk.cpu)
}

func TestSpinlockRecursionPanics(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU

	var lk Spinlock
	initlock(&lk, "test")
	lk.acquire(c)
	defer lk.release(c)

	assert.Panics(t, func() { lk.acquire(c) })
}

func TestSpinlockReleaseWithoutHoldPanics(t *testing.T) {
	m := newBareMachine(t)
	var lk Spinlock
	initlock(&lk, "test")
	assert.Panics(t, func() { lk.release(m.bootCPU) })
}

func TestPushcliNesting(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU

	c.sti()
	require.True(t, c.ien)

	c.pushcli()
	require.False(t, c.ien)
	c.pushcli()
	c.popcli()
	// Still nested: interrupts stay off.
	require.False(t, c.ien)
	c.popcli()
	// Outermost popcli restores the saved state.
	require.True(t, c.ien)
}

func TestPushcliRestoresDisabled(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU

	c.cli()
	c.pushcli()
	c.popcli()
	assert.False(t, c.ien, "popcli must not enable interrupts that were off")
}

func TestPopcliUnderflowPanics(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU
	c.cli()
	assert.Panics(t, func() { c.popcli() })
	c.ncli = 0
}

func TestPopcliInterruptiblePanics(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU
	c.pushcli()
	c.sti() // simulate an illegal sti inside a critical section
	assert.Panics(t, func() { c.popcli() })
	c.cli()
	c.popcli()
}

func TestSpinlockInterruptMasking(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU

	var a, b Spinlock
	initlock(&a, "a")
	initlock(&b, "b")

	c.sti()
	a.acquire(c)
	assert.False(t, c.ien, "holding a spinlock must disable interrupts")
	b.acquire(c)
	b.release(c)
	assert.False(t, c.ien, "inner release must not re-enable interrupts")
	a.release(c)
	assert.True(t, c.ien, "releasing the last lock restores interrupts")
}
