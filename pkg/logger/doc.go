// Package logger provides structured logging capabilities for the pipeline control plane.
//
// This package offers a simple yet powerful logging interface that supports structured
// fields, multiple log levels, and contextual logging for better observability and debugging.
//
// # Logger Interface
//
// The Logger interface defines the contract for all logging implementations:
//
//	type Logger interface {
//	    Debug(msg string, fields ...interface{})
//	    Info(msg string, fields ...interface{})
//	    Warn(msg string, fields ...interface{})
//	    Error(msg string, fields ...interface{})
//	    SetLevel(level string)
//	    WithField(key string, value interface{}) Logger
//	    WithFields(fields map[string]interface{}) Logger
//	    With(fields ...Field) Logger
//	}
//
// # Log Levels
//
// Supported log levels in order of severity:
//   - DEBUG: Detailed information for debugging
//   - INFO: General informational messages
//   - WARN: Warning messages for potentially harmful situations
//   - ERROR: Error messages for serious problems
//
// # Structured Logging
//
// All log methods accept structured fields, either as Field values or as
// alternating key/value arguments:
//
//	log := logger.NewSimpleLogger()
//	log.Info("Processing request",
//	    logger.Field{Key: "request_id", Value: 42},
//	    "duration_ms", 145,
//	)
//
// # Contextual Logging
//
// Create child loggers with persistent fields:
//
//	requestLogger := log.With(
//	    logger.Field{Key: "request_id", Value: "abc-123"},
//	    logger.Field{Key: "stage_idx", Value: 0},
//	)
//
//	// All logs from requestLogger will include request_id and stage_idx
//	requestLogger.Info("Starting processing")
//	requestLogger.Info("Processing complete",
//	    logger.Field{Key: "items_processed", Value: 10},
//	)
//
// # Simple Logger Implementation
//
// The package provides SimpleLogger:
//   - Plain text lines written through the standard library log package
//     (which adds its timestamp); there is no JSON output
//   - Levels set with SetLevel, defaulting to INFO
//   - Fields rendered as key=value pairs, without sanitization
//
// # Configuration
//
// GetLogLevel reports the LOG_LEVEL environment variable (default "INFO").
// NewSimpleLogger does not read the environment; a logger's level changes
// only through SetLevel.
//
// # Integration
//
// An Orchestrator or StageRuntime accepts a Logger at construction and uses
// it to report phase transitions, request lifecycle, and drain/taint
// recovery without depending on any particular backend.
//
// # Best Practices
//
//   - Use appropriate log levels to control verbosity
//   - Include relevant context through structured fields
//   - Avoid logging sensitive information (passwords, tokens, PII)
//   - Use child loggers for request-scoped logging
//   - Keep log messages concise and actionable
package logger