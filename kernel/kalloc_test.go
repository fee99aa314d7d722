// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKallocReturnsAlignedPages(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU

	seen := map[uint32]bool{}
	for i := 0; i < 64; i++ {
		pa := m.kalloc(c)
		require.NotZero(t, pa)
		require.Zero(t, pa%PGSIZE)
		require.False(t, seen[pa], "page %#x handed out twice", pa)
		seen[pa] = true
	}
	for pa := range seen {
		m.kfree(c, pa)
	}
}

func TestKfreeFillsWithJunk(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU

	pa := m.kalloc(c)
	require.NotZero(t, pa)
	pg := m.page(pa)
	for i := range pg {
		pg[i] = 0xAB
	}
	m.kfree(c, pa)
	// The first word is scavenged for the freelist link; everything
	// else must carry the poison byte.
	for i := 4; i < PGSIZE; i++ {
		require.EqualValues(t, junkByte, pg[i], "offset %d", i)
	}
}

func TestKfreeBadAddressPanics(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU

	assert.Panics(t, func() { m.kfree(c, kernelEnd+123) }, "unaligned")
	assert.Panics(t, func() { m.kfree(c, m.physTop) }, "beyond phystop")
	assert.Panics(t, func() { m.kfree(c, 0) }, "inside kernel image")
}

func TestKallocExhaustion(t *testing.T) {
	m := newBareMachine(t)
	c := m.bootCPU

	var pages []uint32
	for {
		pa := m.kalloc(c)
		if pa == 0 {
			break
		}
		pages = append(pages, pa)
	}
	assert.Zero(t, m.FreePages())
	assert.Zero(t, m.kalloc(c), "exhausted allocator must keep returning 0")

	for _, pa := range pages {
		m.kfree(c, pa)
	}
	assert.Equal(t, len(pages), m.FreePages())
}
