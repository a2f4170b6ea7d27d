// Package logger provides structured logging for sift components
// using zerolog.
//
// It supports JSON and console output formats, log level configuration,
// and component-scoped loggers with structured fields.
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Usage
//
//	log := logger.NewDefault("sift").WithComponent("scheduler")
//	log.Info("scan complete", logger.Fields("dispatched", n))
package logger
