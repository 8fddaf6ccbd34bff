package redisnode

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// MetricsCollector interface for metrics collection
type MetricsCollector interface {
	// RecordSyncDuration records the time taken for synchronization
	RecordSyncDuration(duration time.Duration)

	// RecordCommandProcessed records a processed command with its duration
	RecordCommandProcessed(cmd string, duration time.Duration)

	// RecordNetworkBytes records bytes received from the master
	RecordNetworkBytes(bytes int64)

	// RecordKeyCount records the current number of keys
	RecordKeyCount(count int64)

	// RecordReplicaCount records the number of attached replica streams
	RecordReplicaCount(count int64)

	// RecordError records an error event
	RecordError(errorType string)
}

// logrusLogger is the default Logger, writing through logrus
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger returns a Logger that writes through l. A nil l uses the
// logrus standard logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debug(msg string, fields ...Field) {
	l.withFields(fields).Debug(msg)
}

func (l *logrusLogger) Info(msg string, fields ...Field) {
	l.withFields(fields).Info(msg)
}

func (l *logrusLogger) Error(msg string, fields ...Field) {
	l.withFields(fields).Error(msg)
}

func (l *logrusLogger) withFields(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}
