// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mkfs builds filesystem images: superblock, empty log, root
// directory, free bitmap, and an initial set of files.
package mkfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/errgroup"

	"github.com/gvix/gvix/disklayout"
)

// Options selects the image geometry. Zero fields take defaults
// matching the kernel's parameters.
type Options struct {
	SizeBlocks uint32 // total image size; default 2000
	Ninodes    uint32 // inode count; default 200
	LogBlocks  uint32 // log header + slots; default 31
	Clock      timeutil.Clock
}

func (o *Options) fill() {
	if o.SizeBlocks == 0 {
		o.SizeBlocks = 2000
	}
	if o.Ninodes == 0 {
		o.Ninodes = 200
	}
	if o.LogBlocks == 0 {
		o.LogBlocks = 31
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock()
	}
}

type builder struct {
	opts      Options
	image     []byte
	sb        disklayout.Superblock
	freeinode uint32
	freeblock uint32
	usedto    uint32 // first never-allocated data block
	mtime     uint32
}

// Build creates an image whose files are given as path -> contents.
// Intermediate directories are created as needed; paths are
// slash-separated and rooted.
func Build(opts Options, files map[string][]byte) ([]byte, error) {
	opts.fill()
	b, err := newBuilder(opts)
	if err != nil {
		return nil, err
	}

	root, err := b.mkdir(disklayout.RootInum, disklayout.RootInum)
	if err != nil {
		return nil, err
	}
	if root != disklayout.RootInum {
		return nil, fmt.Errorf("mkfs: root inode %d, want %d", root, disklayout.RootInum)
	}

	// Deterministic image for identical input.
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	dirs := map[string]uint32{"": disklayout.RootInum}
	for _, p := range paths {
		clean := strings.Trim(p, "/")
		if clean == "" {
			return nil, fmt.Errorf("mkfs: empty file name %q", p)
		}
		dir := ""
		parent := uint32(disklayout.RootInum)
		parts := strings.Split(clean, "/")
		for _, comp := range parts[:len(parts)-1] {
			if dir == "" {
				dir = comp
			} else {
				dir = dir + "/" + comp
			}
			inum, ok := dirs[dir]
			if !ok {
				var err error
				inum, err = b.mkdir(0, parent)
				if err != nil {
					return nil, err
				}
				if err := b.dirlink(parent, comp, inum); err != nil {
					return nil, err
				}
				dirs[dir] = inum
			}
			parent = inum
		}

		name := parts[len(parts)-1]
		inum, err := b.ialloc(disklayout.TypeFile)
		if err != nil {
			return nil, err
		}
		if err := b.iappend(inum, files[p]); err != nil {
			return nil, fmt.Errorf("mkfs: %s: %w", p, err)
		}
		if err := b.dirlink(parent, name, inum); err != nil {
			return nil, fmt.Errorf("mkfs: %s: %w", p, err)
		}
	}

	b.writeBitmap()
	return b.image, nil
}

// BuildFromDir creates an image from the regular files under dir,
// loading them concurrently.
func BuildFromDir(opts Options, dir string) ([]byte, error) {
	var mu sync.Mutex
	files := make(map[string][]byte)

	var g errgroup.Group
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			mu.Lock()
			files[filepath.ToSlash(rel)] = data
			mu.Unlock()
			return nil
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Build(opts, files)
}

func newBuilder(opts Options) (*builder, error) {
	nbitmap := opts.SizeBlocks/disklayout.BitsPerBlock + 1
	ninodeblocks := opts.Ninodes/disklayout.InodesPerBlock + 1
	nmeta := 2 + opts.LogBlocks + ninodeblocks + nbitmap
	if nmeta >= opts.SizeBlocks {
		return nil, fmt.Errorf("mkfs: %d blocks cannot hold %d metadata blocks",
			opts.SizeBlocks, nmeta)
	}

	b := &builder{
		opts:  opts,
		image: make([]byte, opts.SizeBlocks*disklayout.BlockSize),
		sb: disklayout.Superblock{
			Size:       opts.SizeBlocks,
			Ninodes:    opts.Ninodes,
			Nlog:       opts.LogBlocks,
			Ndata:      opts.SizeBlocks - nmeta,
			LogStart:   2,
			InodeStart: 2 + opts.LogBlocks,
			BmapStart:  2 + opts.LogBlocks + ninodeblocks,
			Version:    disklayout.Version,
		},
		freeinode: 1,
		freeblock: nmeta,
		usedto:    nmeta,
		mtime:     uint32(opts.Clock.Now().Unix()),
	}
	disklayout.EncodeSuperblock(&b.sb, b.block(1))
	return b, nil
}

func (b *builder) block(bno uint32) []byte {
	off := bno * disklayout.BlockSize
	return b.image[off : off+disklayout.BlockSize]
}

func (b *builder) readInode(inum uint32, di *disklayout.Dinode) {
	blk := b.block(disklayout.IBlock(inum, &b.sb))
	disklayout.DecodeDinode(blk[inum%disklayout.InodesPerBlock*disklayout.DinodeSize:], di)
}

func (b *builder) writeInode(inum uint32, di *disklayout.Dinode) {
	blk := b.block(disklayout.IBlock(inum, &b.sb))
	disklayout.EncodeDinode(di, blk[inum%disklayout.InodesPerBlock*disklayout.DinodeSize:])
}

func (b *builder) ialloc(typ int16) (uint32, error) {
	if b.freeinode >= b.opts.Ninodes {
		return 0, fmt.Errorf("mkfs: out of inodes")
	}
	inum := b.freeinode
	b.freeinode++
	di := disklayout.Dinode{Type: typ, Nlink: 1, Mtime: b.mtime}
	b.writeInode(inum, &di)
	return inum, nil
}

func (b *builder) balloc() (uint32, error) {
	if b.freeblock >= b.opts.SizeBlocks {
		return 0, fmt.Errorf("mkfs: out of data blocks")
	}
	bno := b.freeblock
	b.freeblock++
	b.usedto = b.freeblock
	return bno, nil
}

// iappend appends data to inum's file, direct blocks first, then
// through the single indirect block.
func (b *builder) iappend(inum uint32, data []byte) error {
	var di disklayout.Dinode
	b.readInode(inum, &di)

	off := di.Size
	for len(data) > 0 {
		fbn := off / disklayout.BlockSize
		if fbn >= disklayout.MaxFile {
			return fmt.Errorf("file too large (%d blocks)", fbn)
		}

		var bno uint32
		if fbn < disklayout.NDirect {
			if di.Addrs[fbn] == 0 {
				n, err := b.balloc()
				if err != nil {
					return err
				}
				di.Addrs[fbn] = n
			}
			bno = di.Addrs[fbn]
		} else {
			if di.Addrs[disklayout.NDirect] == 0 {
				n, err := b.balloc()
				if err != nil {
					return err
				}
				di.Addrs[disklayout.NDirect] = n
			}
			ind := b.block(di.Addrs[disklayout.NDirect])
			slot := (fbn - disklayout.NDirect) * 4
			bno = leGet(ind[slot:])
			if bno == 0 {
				n, err := b.balloc()
				if err != nil {
					return err
				}
				bno = n
				lePut(ind[slot:], bno)
			}
		}

		blk := b.block(bno)
		n := copy(blk[off%disklayout.BlockSize:], data)
		data = data[n:]
		off += uint32(n)
	}

	di.Size = off
	b.writeInode(inum, &di)
	return nil
}

func (b *builder) dirlink(dir uint32, name string, inum uint32) error {
	var de disklayout.Dirent
	de.Inum = uint16(inum)
	if err := disklayout.SetDirentName(&de, name); err != nil {
		return err
	}
	var buf [disklayout.DirentSize]byte
	disklayout.EncodeDirent(&de, buf[:])
	return b.iappend(dir, buf[:])
}

// mkdir allocates a directory inode with its "." and ".." entries.
// inum 0 means allocate one.
func (b *builder) mkdir(inum, parent uint32) (uint32, error) {
	if inum == 0 {
		var err error
		inum, err = b.ialloc(disklayout.TypeDir)
		if err != nil {
			return 0, err
		}
	} else {
		di := disklayout.Dinode{Type: disklayout.TypeDir, Nlink: 1, Mtime: b.mtime}
		b.writeInode(inum, &di)
		b.freeinode = inum + 1
	}
	if err := b.dirlink(inum, ".", inum); err != nil {
		return 0, err
	}
	if err := b.dirlink(inum, "..", parent); err != nil {
		return 0, err
	}
	return inum, nil
}

// writeBitmap marks every block below the allocation frontier used.
func (b *builder) writeBitmap() {
	for bno := uint32(0); bno < b.usedto; bno++ {
		blk := b.block(disklayout.BBlock(bno, &b.sb))
		bi := bno % disklayout.BitsPerBlock
		blk[bi/8] |= 1 << (bi % 8)
	}
}

func leGet(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func lePut(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
