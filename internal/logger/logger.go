// Copyright 2024 the gvix Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logger routes kernel and tool log output through log/slog
// with a settable severity and swappable destination.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Severity levels accepted by SetLevel, ordered.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelOff     = slog.Level(12)
)

var (
	mu           sync.Mutex
	programLevel = new(slog.LevelVar)
	defaultLog   = slog.New(newHandler(os.Stderr))
)

func newHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				a.Key = "severity"
				if a.Value.Any().(slog.Level) == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
}

// SetOutput redirects all subsequent log output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLog = slog.New(newHandler(w))
}

// SetLevel sets the minimum severity that is emitted.
func SetLevel(l slog.Level) { programLevel.Set(l) }

// ParseLevel maps a config-file severity name to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "off":
		return LevelOff, nil
	}
	return 0, fmt.Errorf("unknown log severity %q", s)
}

func logf(level slog.Level, format string, args ...interface{}) {
	mu.Lock()
	l := defaultLog
	mu.Unlock()
	l.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...interface{}) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...interface{})  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...interface{})  { logf(LevelWarning, format, args...) }
func Errorf(format string, args ...interface{}) { logf(LevelError, format, args...) }
