// Package logging provides structured logging using uber/zap.
//
// Production output is JSON; development output is colored console text.
// Output goes to stderr, and New refuses stdout outright: under the stdio
// transport stdout carries the IPC stream.
//
// Child loggers:
//   - ForComponent: named logger per host component (watchdog, loader...)
//   - ForExtension: tagged with extension_id, used for redirected console output
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	logger.Info("Host starting", zap.String("transport", "stdio"))
//	logger.ForExtension("acme.hello").Warn("console.warn", zap.String("message", msg))
package logging
