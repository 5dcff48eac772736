// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package log provides leveled loggers that can be chained. Graph
// components log through a *Logger teed per worker or macro, so that
// each message reaching the engine's log carries the path of its
// origin. A package-level logger writes to standard error.
package log

import (
	"fmt"
	golog "log"
	"os"
	"strings"
)

// Level is a logging verbosity; higher levels log more.
type Level int

const (
	// OffLevel disables a logger.
	OffLevel Level = iota
	// ErrorLevel logs errors only.
	ErrorLevel
	// WarnLevel adds warnings, such as connections dropped during a
	// graph rewrite.
	WarnLevel
	// InfoLevel is the default.
	InfoLevel
	// DebugLevel adds evaluation and scheduling detail.
	DebugLevel
)

var levels = [...]string{
	OffLevel:   "off",
	ErrorLevel: "error",
	WarnLevel:  "warn",
	InfoLevel:  "info",
	DebugLevel: "debug",
}

// ParseLevel returns the level with the given name, ignoring case and
// surrounding space.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range levels {
		if name == s {
			return Level(l), nil
		}
	}
	return OffLevel, fmt.Errorf("unknown log level %q", s)
}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levels) {
		return levels[l]
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// An Outputter writes a formatted message. *log.Logger from the
// standard library is an Outputter.
type Outputter interface {
	Output(calldepth int, s string) error
}

type outputters []Outputter

func (o outputters) Output(calldepth int, s string) error {
	var err error
	for _, out := range o {
		if e := out.Output(calldepth+1, s); e != nil {
			err = e
		}
	}
	return err
}

// MultiOutputter writes each message to every one of outs, returning
// the last error.
func MultiOutputter(outs ...Outputter) Outputter {
	return outputters(outs)
}

// A Logger writes messages at or below its level to its Outputter,
// and forwards them, prefixed, to the logger it was teed from. All
// methods are no-ops on a nil *Logger.
type Logger struct {
	Outputter
	Level Level

	parent *Logger
	prefix string
}

// New returns a logger writing to out at the given level. It returns
// nil for OffLevel.
func New(out Outputter, level Level) *Logger {
	if level == OffLevel {
		return nil
	}
	return &Logger{Outputter: out, Level: level}
}

// Tee returns a child logger that writes to out, which may be nil, and
// forwards every message to l with prefix prepended.
func (l *Logger) Tee(out Outputter, prefix string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{Outputter: out, Level: l.Level, parent: l, prefix: prefix}
}

// At tells whether messages at level are written by l.
func (l *Logger) At(level Level) bool {
	return l != nil && level <= l.Level
}

// Depth of a caller of an exported method, as seen from output.
const depth = 3

func (l *Logger) output(level Level, msg string) {
	for ; l != nil; l = l.parent {
		if l.Outputter != nil && level <= l.Level {
			_ = l.Output(depth, msg)
		}
		msg = l.prefix + msg
	}
}

// Print logs its arguments, formatted as by fmt.Print, at InfoLevel.
func (l *Logger) Print(v ...interface{}) { l.output(InfoLevel, fmt.Sprint(v...)) }

// Printf logs at InfoLevel.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.output(InfoLevel, fmt.Sprintf(format, args...))
}

// Error logs its arguments at ErrorLevel.
func (l *Logger) Error(v ...interface{}) { l.output(ErrorLevel, fmt.Sprint(v...)) }

// Errorf logs at ErrorLevel.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.output(ErrorLevel, fmt.Sprintf(format, args...))
}

// Warnf logs at WarnLevel.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.output(WarnLevel, fmt.Sprintf(format, args...))
}

// Debug logs its arguments at DebugLevel.
func (l *Logger) Debug(v ...interface{}) { l.output(DebugLevel, fmt.Sprint(v...)) }

// Debugf logs at DebugLevel.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.output(DebugLevel, fmt.Sprintf(format, args...))
}

// Std is the package-level logger used by components that are not
// handed one, such as the metrics server.
var Std = New(golog.New(os.Stderr, "", golog.LstdFlags), InfoLevel)

// Shorthands for logging to Std.
var (
	Printf = Std.Printf
	Errorf = Std.Errorf
	Debugf = Std.Debugf
)
