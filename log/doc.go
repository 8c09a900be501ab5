// Package log provides the minimal leveled logging interface used across
// the module, with a standard-library implementation and a wrapper for
// github.com/kataras/golog.
//
// The Logger interface has four printf-style methods (Debug, Info, Warn,
// Error); messages below the configured level are dropped. DefaultLogger
// writes to stderr via the standard log package and is safe for concurrent
// use. NewGologLogger wraps an existing golog.Logger for callers who want
// golog's formatting and level handling:
//
//	glogger := golog.New()
//	logger := log.NewGologLogger(glogger)
//	logger.SetLevel(log.LogLevelDebug)
//
// Any type implementing Logger can be installed on a compiled graph, so
// applications can route engine diagnostics into their own logging stack.
package log
