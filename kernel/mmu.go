// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

// Two-level x86 page tables with 4 KiB pages. A virtual address
// splits into a 10-bit page-directory index, a 10-bit page-table
// index and a 12-bit offset.

const (
	PGSIZE = 4096

	pdxShift = 22
	ptxShift = 12

	nPDEntries = 1024
	nPTEntries = 1024
)

// Page-table / page-directory entry flags.
const (
	PTE_P uint32 = 0x001 // present
	PTE_W uint32 = 0x002 // writeable
	PTE_U uint32 = 0x004 // user-accessible
)

// Address-space layout. The kernel occupies the upper range of every
// address space; user text starts at 0 and the user segment may grow
// up to KERNBASE.
const (
	// EXTMEM is the start of extended memory; physical memory below it
	// holds the I/O hole and boot artifacts.
	EXTMEM uint32 = 0x100000
	// KERNBASE is the first kernel virtual address.
	KERNBASE uint32 = 0x80000000
	// KERNLINK is the address the kernel image is linked at.
	KERNLINK = KERNBASE + EXTMEM
	// DEVSPACE is the base of memory-mapped device addresses.
	DEVSPACE uint32 = 0xFE000000
)

// DefaultPhysTop is the default top of simulated physical memory. The
// machine configuration may raise it up to the 2 GiB the address-space
// split allows.
const DefaultPhysTop uint32 = 0x1000000 // 16 MiB

// kernelEnd is the first physical address past the simulated kernel
// image; pages below it are never handed to the allocator.
const kernelEnd uint32 = 0x200000

// kernelData is the virtual address where kernel read-write data
// begins; [KERNLINK, kernelData) maps read-only as text and rodata.
// It coincides with the end of the simulated kernel image, so every
// page the allocator hands out maps writable.
const kernelData = KERNBASE + kernelEnd

func pdx(va uint32) uint32 { return va >> pdxShift & 0x3FF }
func ptx(va uint32) uint32 { return va >> ptxShift & 0x3FF }

func pteAddr(pte uint32) uint32  { return pte &^ 0xFFF }
func pteFlags(pte uint32) uint32 { return pte & 0xFFF }

func pgRoundUp(sz uint32) uint32   { return (sz + PGSIZE - 1) &^ (PGSIZE - 1) }
func pgRoundDown(sz uint32) uint32 { return sz &^ (PGSIZE - 1) }

// V2P translates a kernel virtual address to physical.
func V2P(va uint32) uint32 { return va - KERNBASE }

// P2V translates a physical address to its kernel virtual alias.
func P2V(pa uint32) uint32 { return pa + KERNBASE }
