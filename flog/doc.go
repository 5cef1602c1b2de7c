// Package flog provides a simple, leveled logging interface used throughout
// flowcore: task kernel, scheduler, compound tasks, checkpoint stores and the
// job queue all log through this interface rather than fmt.Println or the
// stdlib log package directly.
//
// # Log levels
//
// Five levels, in order of increasing severity: LogLevelDebug, LogLevelInfo,
// LogLevelWarn, LogLevelError, LogLevelNone (disables all output).
//
// # Implementations
//
// DefaultLogger wraps the standard library's log.Logger. GologLogger wraps
// github.com/kataras/golog for structured, colorized output. Both satisfy the
// Logger interface; components accept a Logger so callers can swap
// implementations or provide a NoOpLogger in tests.
package flog
