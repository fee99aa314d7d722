// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"

	"github.com/gvix/gvix/disklayout"
	"github.com/gvix/gvix/kernel"
)

// shell is the machine's init program: it creates the console device
// node, wires descriptors 0..2 to it, and runs a small command loop
// entirely through system calls.
func shell(sys *kernel.Sys) int {
	if fd := sys.Open("/console", kernel.O_RDWR); fd < 0 {
		sys.Mknod("/console", kernel.DevConsole, 0)
	} else {
		sys.Close(fd)
	}
	fd := sys.Open("/console", kernel.O_RDWR) // stdin
	sys.Dup(fd)                               // stdout
	sys.Dup(fd)                               // stderr

	say(sys, "gvix shell. Type help for commands.\n")
	for {
		say(sys, "$ ")
		line, ok := readLine(sys)
		if !ok {
			return 0
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "exit":
			return 0
		case "help":
			say(sys, "commands: ls cat echo mkdir rm ln cd uptime time help exit\n")
		case "ls":
			dir := "."
			if len(args) > 1 {
				dir = args[1]
			}
			ls(sys, dir)
		case "cat":
			for _, p := range args[1:] {
				cat(sys, p)
			}
		case "echo":
			echo(sys, args[1:])
		case "mkdir":
			for _, p := range args[1:] {
				if sys.Mkdir(p) < 0 {
					say(sys, "mkdir: failed to create "+p+"\n")
				}
			}
		case "rm":
			for _, p := range args[1:] {
				if sys.Unlink(p) < 0 {
					say(sys, "rm: failed to delete "+p+"\n")
				}
			}
		case "ln":
			if len(args) != 3 || sys.Link(args[1], args[2]) < 0 {
				say(sys, "ln: failed\n")
			}
		case "cd":
			if len(args) != 2 || sys.Chdir(args[1]) < 0 {
				say(sys, "cd: failed\n")
			}
		case "uptime":
			say(sys, fmt.Sprintf("%d ticks\n", sys.Uptime()))
		case "time":
			var d kernel.Date
			if sys.Gettime(&d) == 0 {
				say(sys, fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d GMT\n",
					d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second))
			}
		default:
			say(sys, args[0]+": unknown command\n")
		}
	}
}

func say(sys *kernel.Sys, s string) {
	sys.Write(1, []byte(s))
}

func readLine(sys *kernel.Sys) (string, bool) {
	var line []byte
	var b [1]byte
	for {
		n := sys.Read(0, b[:])
		if n <= 0 {
			return string(line), len(line) > 0
		}
		if b[0] == '\n' {
			return string(line), true
		}
		line = append(line, b[0])
	}
}

func ls(sys *kernel.Sys, path string) {
	fd := sys.Open(path, kernel.O_RDONLY)
	if fd < 0 {
		say(sys, "ls: cannot open "+path+"\n")
		return
	}
	defer sys.Close(fd)

	var st kernel.Stat
	if sys.Fstat(fd, &st) < 0 {
		return
	}
	if st.Type != kernel.T_DIR {
		say(sys, fmt.Sprintf("%-14s %d %d %d\n", path, st.Type, st.Ino, st.Size))
		return
	}

	var ebuf [disklayout.DirentSize]byte
	var de disklayout.Dirent
	for sys.Read(fd, ebuf[:]) == disklayout.DirentSize {
		disklayout.DecodeDirent(ebuf[:], &de)
		if de.Inum == 0 {
			continue
		}
		say(sys, fmt.Sprintf("%-14s\n", disklayout.DirentName(&de)))
	}
}

func cat(sys *kernel.Sys, path string) {
	fd := sys.Open(path, kernel.O_RDONLY)
	if fd < 0 {
		say(sys, "cat: cannot open "+path+"\n")
		return
	}
	defer sys.Close(fd)
	buf := make([]byte, 512)
	for {
		n := sys.Read(fd, buf)
		if n <= 0 {
			return
		}
		sys.Write(1, buf[:n])
	}
}

// echo writes its arguments to stdout, or to a file after ">".
func echo(sys *kernel.Sys, args []string) {
	out := 1
	for i, a := range args {
		if a == ">" && i+1 < len(args) {
			fd := sys.Open(args[i+1], kernel.O_CREATE|kernel.O_WRONLY|kernel.O_TRUNC)
			if fd < 0 {
				say(sys, "echo: cannot create "+args[i+1]+"\n")
				return
			}
			defer sys.Close(fd)
			out = fd
			args = args[:i]
			break
		}
	}
	sys.Write(out, []byte(strings.Join(args, " ")+"\n"))
}
