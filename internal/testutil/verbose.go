// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil holds helpers shared by the test suites.
package testutil

import (
	"os"

	"github.com/gvix/gvix/internal/logger"
)

// VerboseTest returns true if the testing framework is run DEBUG=1.
func VerboseTest() bool {
	val := os.Getenv("DEBUG")
	return val == "1"
}

// SetupLogging raises kernel logging to trace for verbose runs and
// silences everything below errors otherwise, so test output stays
// readable.
func SetupLogging() {
	if VerboseTest() {
		logger.SetLevel(logger.LevelTrace)
	} else {
		logger.SetLevel(logger.LevelError)
	}
}
