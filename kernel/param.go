// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kernel implements the core of a small SMP teaching kernel:
// spinlocks and sleeplocks, a sleep/wakeup rendezvous, a physical page
// allocator, two-level page tables, a process table with per-CPU
// schedulers, a write-ahead-logged filesystem with a buffer cache, and
// the system-call surface tying them together.
//
// The kernel runs as a simulation: each CPU's scheduler context and
// each process's kernel thread is a goroutine, context switches hand a
// run token between them, and "physical memory" is a byte arena into
// which real x86-style page tables are materialized. Devices attach
// through the same driver contracts the original hardware used.
package kernel

const (
	// NPROC is the maximum number of processes.
	NPROC = 64
	// NCPU is the maximum number of CPUs.
	NCPU = 8
	// NOFILE is the maximum number of open files per process.
	NOFILE = 16
	// NFILE is the size of the system-wide open-file table.
	NFILE = 100
	// NINODE is the maximum number of active in-memory inodes.
	NINODE = 50
	// NDEV is the maximum major device number.
	NDEV = 10
	// ROOTDEV is the device number of the file system root disk.
	ROOTDEV = 1
	// MAXARG is the maximum number of exec arguments.
	MAXARG = 32
	// MAXOPBLOCKS is the maximum number of blocks any FS op writes.
	MAXOPBLOCKS = 10
	// LOGSIZE is the maximum number of data blocks in the on-disk log.
	LOGSIZE = MAXOPBLOCKS * 3
	// NBUF is the size of the disk block cache.
	NBUF = MAXOPBLOCKS * 3
	// PIPESIZE is the capacity of a pipe's circular buffer.
	PIPESIZE = 512
)

// BSIZE is the block size, matching disklayout.BlockSize; the short
// name keeps the kernel sources readable.
const BSIZE = 512

// Well-known major device numbers. Drivers register at boot; majors
// beyond these are free for external devices.
const (
	DevConsole = 2
	DevNull    = 4
)
