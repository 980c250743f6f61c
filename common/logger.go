package common

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextLogger carries a fixed set of structured fields (component name,
// worker id, stream name, ...) through a call chain without re-stating them
// at every log site.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger creates a logger pre-populated with the given fields. A
// nil logger falls back to the package-level Logger.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

// ComponentLogger is the entry point every subsystem uses to get a scoped
// logger, e.g. common.ComponentLogger("firehose").
func ComponentLogger(component string) *ContextLogger {
	return NewContextLogger(Logger, map[string]interface{}{"component": component})
}

func (cl *ContextLogger) clone(extra logrus.Fields) *ContextLogger {
	merged := make(logrus.Fields, len(cl.fields)+len(extra))
	for k, v := range cl.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: merged}
}

func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return cl.clone(logrus.Fields{key: value})
}

func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	return cl.clone(logrus.Fields(fields))
}

func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.clone(logrus.Fields{"error": err.Error()})
}

func (cl *ContextLogger) Debug(args ...interface{}) { cl.logger.WithFields(cl.fields).Debug(args...) }
func (cl *ContextLogger) Info(args ...interface{})  { cl.logger.WithFields(cl.fields).Info(args...) }
func (cl *ContextLogger) Warn(args ...interface{})  { cl.logger.WithFields(cl.fields).Warn(args...) }
func (cl *ContextLogger) Error(args ...interface{}) { cl.logger.WithFields(cl.fields).Error(args...) }

func (cl *ContextLogger) Debugf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Debugf(format, args...)
}
func (cl *ContextLogger) Infof(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Infof(format, args...)
}
func (cl *ContextLogger) Warnf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Warnf(format, args...)
}
func (cl *ContextLogger) Errorf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Errorf(format, args...)
}

// LogDuration logs the duration of the operation named by op when the
// returned func is called; intended to be deferred.
func LogDuration(logger *ContextLogger, op string) func() {
	start := time.Now()
	return func() {
		logger.WithFields(map[string]interface{}{
			"operation":   op,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("operation completed")
	}
}

// RecoverAndLog recovers from a panic in a goroutine and logs it with a
// stack trace instead of crashing the process. Used at the top of every
// long-running background task (firehose loop, pipeline workers, sweepers).
func RecoverAndLog(logger *ContextLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		logger.WithFields(map[string]interface{}{
			"panic": fmt.Sprintf("%v", r),
			"stack": string(buf[:n]),
		}).Error("recovered from panic")
	}
}
