// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vlog is a small leveled wrapper around the standard log
// package, for a daemon that needs to tell a dropped malformed guest
// request apart from a reset-triggering protocol violation without
// grepping prefixes.
package vlog

import (
	"log"
	"os"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger gates log.Logger output by level.
type Logger struct {
	l     *log.Logger
	level Level
}

// New returns a Logger writing to stderr with the given prefix and
// minimum level.
func New(prefix string, level Level) *Logger {
	return &Logger{
		l:     log.New(os.Stderr, prefix, log.LstdFlags),
		level: level,
	}
}

// SetLevel changes the minimum level that gets printed.
func (lg *Logger) SetLevel(level Level) { lg.level = level }

func (lg *Logger) Debugf(format string, args ...interface{}) { lg.logf(LevelDebug, "DEBUG", format, args...) }
func (lg *Logger) Infof(format string, args ...interface{})  { lg.logf(LevelInfo, "INFO", format, args...) }
func (lg *Logger) Warnf(format string, args ...interface{})  { lg.logf(LevelWarn, "WARN", format, args...) }
func (lg *Logger) Errorf(format string, args ...interface{}) { lg.logf(LevelError, "ERROR", format, args...) }

func (lg *Logger) logf(level Level, tag, format string, args ...interface{}) {
	if level < lg.level {
		return
	}
	lg.l.Printf(tag+": "+format, args...)
}
