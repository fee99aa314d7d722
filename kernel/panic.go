// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"runtime"

	"github.com/gvix/gvix/internal/logger"
)

// nPCS is how many return addresses a captured call chain records,
// both in panics and in spinlock debug state.
const nPCS = 10

// KernelError is the value thrown by panicf. It carries the captured
// return-address chain of the failing call site.
type KernelError struct {
	Msg string
	PCS [nPCS]uintptr
}

func (e *KernelError) Error() string { return "kernel panic: " + e.Msg }

// Callers formats the captured call chain.
func (e *KernelError) Callers() []string {
	var out []string
	frames := runtime.CallersFrames(pcSlice(e.PCS[:]))
	for {
		f, more := frames.Next()
		out = append(out, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return out
}

func pcSlice(pcs []uintptr) []uintptr {
	n := 0
	for n < len(pcs) && pcs[n] != 0 {
		n++
	}
	return pcs[:n]
}

// panicf reports a violated kernel invariant. It logs the message and
// call chain, then panics; in the simulation the panic unwinds the
// failing goroutine, and a process thread that recovers it halts the
// machine.
func panicf(format string, args ...interface{}) {
	e := &KernelError{Msg: fmt.Sprintf(format, args...)}
	getcallerpcs(2, e.PCS[:])
	logger.Errorf("panic: %s", e.Msg)
	for _, fr := range e.Callers() {
		logger.Errorf("  %s", fr)
	}
	panic(e)
}

// getcallerpcs records the current call chain in pcs, skipping the
// given number of frames above the caller.
func getcallerpcs(skip int, pcs []uintptr) {
	n := runtime.Callers(skip+1, pcs)
	for i := n; i < len(pcs); i++ {
		pcs[i] = 0
	}
}
