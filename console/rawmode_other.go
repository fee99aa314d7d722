// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package console

import "errors"

// RawMode is only implemented for Linux hosts; elsewhere the console
// runs with whatever discipline the host terminal has.
func RawMode(fd int) (restore func() error, err error) {
	return nil, errors.New("console: raw mode not supported on this platform")
}
