// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gvix/gvix/internal/testutil"
	"github.com/gvix/gvix/mkfs"
)

func testImage(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	img, err := mkfs.Build(mkfs.Options{}, files)
	require.NoError(t, err)
	return img
}

// newBareMachine constructs a machine without booting it, for tests
// that poke subsystems directly from the boot context.
func newBareMachine(t *testing.T) *Machine {
	t.Helper()
	testutil.SetupLogging()
	m, err := New(Config{CPUs: 1, Disk: newTestDisk(testImage(t, nil))})
	require.NoError(t, err)
	return m
}

// testMachine is a booted machine whose init process runs a test
// program.
type testMachine struct {
	*Machine
	disk *testDisk
	res  chan int
}

// startMachine boots a machine on the given disk; prog runs as the
// init process's user program.
func startMachine(t *testing.T, d *testDisk, prog func(sys *Sys) int) *testMachine {
	t.Helper()
	testutil.SetupLogging()
	tm := &testMachine{disk: d, res: make(chan int, 1)}
	m, err := New(Config{
		CPUs:         2,
		Disk:         d,
		TickInterval: time.Millisecond,
		Init: func(sys *Sys) int {
			tm.res <- prog(sys)
			return 0
		},
	})
	require.NoError(t, err)
	tm.Machine = m
	m.Boot()
	t.Cleanup(m.Shutdown)
	return tm
}

// wait blocks until the test program finishes and returns its result;
// a kernel panic or hang fails the test.
func (tm *testMachine) wait(t *testing.T) int {
	t.Helper()
	select {
	case r := <-tm.res:
		return r
	case ke := <-tm.Crashed():
		t.Fatalf("kernel panic: %v\n%v", ke, ke.Callers())
	case <-time.After(60 * time.Second):
		t.Fatal("machine timed out")
	}
	return 0
}

// crashWait blocks until the machine panics, returning the panic.
func (tm *testMachine) crashWait(t *testing.T) *KernelError {
	t.Helper()
	select {
	case ke := <-tm.Crashed():
		return ke
	case r := <-tm.res:
		t.Fatalf("program finished with %d, want kernel panic", r)
	case <-time.After(60 * time.Second):
		t.Fatal("machine timed out")
	}
	return nil
}

// runProg is the common path: fresh image with the given files, boot,
// run, return the program's result.
func runProg(t *testing.T, files map[string][]byte, prog func(sys *Sys) int) int {
	t.Helper()
	tm := startMachine(t, newTestDisk(testImage(t, files)), prog)
	return tm.wait(t)
}
