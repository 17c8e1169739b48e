// Package monitoring carries the process-wide diagnostic logger handle that is
// threaded through the other packages instead of each of them writing to a
// module-level singleton.
package monitoring

import "log"

// LogFunc is the signature of the diagnostic logger.
type LogFunc func(format string, v ...interface{})

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or mute
// it.
var Logf LogFunc = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f LogFunc) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
