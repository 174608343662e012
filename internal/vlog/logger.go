// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vlog is the logger used throughout the signing engine. Warnings
// (unparseable existing preambles, unsupported GBB fields) go through Warnf
// and never count toward the process exit code.
package vlog

import (
	"log"
	"os"
)

// Logger describes a logger to be used in the signing engine.
type Logger interface {
	// Warnf logs a warning message. Warnings are diagnostic only and never
	// affect the exit status of a signing operation.
	Warnf(format string, args ...interface{})

	// Errorf logs an error message.
	Errorf(format string, args ...interface{})

	// Fatalf logs a fatal message and immediately exits the application.
	Fatalf(format string, args ...interface{})
}

// DefaultLogger is the logger used by default everywhere in this module.
var DefaultLogger Logger

func init() {
	DefaultLogger = logWrapper{Logger: log.New(os.Stderr, "", 0)}
}

type logWrapper struct {
	Logger *log.Logger
}

func (l logWrapper) Warnf(format string, args ...interface{}) {
	l.Logger.Printf("WARNING: "+format, args...)
}

func (l logWrapper) Errorf(format string, args ...interface{}) {
	l.Logger.Printf("ERROR: "+format, args...)
}

func (l logWrapper) Fatalf(format string, args ...interface{}) {
	l.Logger.Fatalf("FATAL: "+format, args...)
}

// Warnf logs a warning message using DefaultLogger.
func Warnf(format string, args ...interface{}) {
	DefaultLogger.Warnf(format, args...)
}

// Errorf logs an error message using DefaultLogger.
func Errorf(format string, args ...interface{}) {
	DefaultLogger.Errorf(format, args...)
}

// Fatalf logs a fatal message using DefaultLogger and exits.
func Fatalf(format string, args ...interface{}) {
	DefaultLogger.Fatalf(format, args...)
}
