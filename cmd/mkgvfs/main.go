// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// mkgvfs builds a gvix filesystem image from a host directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gvix/gvix/mkfs"
)

var (
	flagOut     string
	flagSize    uint32
	flagNinodes uint32
	flagLog     uint32
)

var rootCmd = &cobra.Command{
	Use:   "mkgvfs [flags] [dir]",
	Short: "Build a gvix filesystem image",
	Long: `mkgvfs writes a filesystem image containing the regular files found
under dir (an empty filesystem when dir is omitted).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := mkfs.Options{
			SizeBlocks: flagSize,
			Ninodes:    flagNinodes,
			LogBlocks:  flagLog,
		}
		var image []byte
		var err error
		if len(args) == 1 {
			image, err = mkfs.BuildFromDir(opts, args[0])
		} else {
			image, err = mkfs.Build(opts, nil)
		}
		if err != nil {
			return err
		}
		if err := os.WriteFile(flagOut, image, 0o644); err != nil {
			return err
		}
		fmt.Printf("%s: %d blocks (%d bytes)\n", flagOut, len(image)/512, len(image))
		return nil
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flagOut, "output", "o", "fs.img", "image file to write")
	f.Uint32Var(&flagSize, "size", 2000, "image size in blocks")
	f.Uint32Var(&flagNinodes, "ninodes", 200, "number of inodes")
	f.Uint32Var(&flagLog, "log", 31, "log blocks (header + slots)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
