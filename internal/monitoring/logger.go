// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Tagged prefixes every line with a bracketed component tag, e.g. "[tune] ".
// The current Logf is looked up on each call so SetLogger applies to tagged
// loggers created earlier.
type Tagged string

// Printf logs through Logf with the tag prefix.
func (t Tagged) Printf(format string, v ...interface{}) {
	Logf("["+string(t)+"] "+format, v...)
}
