// Package model contains common data models.
package model

import "github.com/apex/log"

// Logger is the generic logger definition. The [log.Log] instance from
// github.com/apex/log implements it and is what we use by default.
type Logger interface {
	// Debug emits a debug message.
	Debug(msg string)

	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Info emits an informational message.
	Info(msg string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Warn emits a warning message.
	Warn(msg string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)
}

var _ Logger = log.Log
