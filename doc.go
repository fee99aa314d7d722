// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This is a repository containing a small SMP teaching kernel in the
// Unix V6 lineage, run as a simulation: processes, two-level paged
// virtual memory, a write-ahead-logged filesystem, and the spinlock/
// sleeplock/rendezvous machinery connecting them.
//
// Go to the kernel package for the core. The disklayout package
// defines the on-disk format, mkfs builds filesystem images, memdisk
// and console implement the disk and terminal device contracts, and
// cmd/gvix boots an interactive machine.
package lib
