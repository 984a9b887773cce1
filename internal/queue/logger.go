package queue

import (
	"org-backup-engine/internal/logging"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
)

// logAdapter routes watermill logs into logrus
type logAdapter struct {
	entry *logrus.Entry
}

// NewLoggerAdapter adapts a logger for watermill
func NewLoggerAdapter(logger *logging.Logger) watermill.LoggerAdapter {
	if logger == nil {
		return watermill.NopLogger{}
	}
	return &logAdapter{entry: logrus.NewEntry(logger.Logrus()).WithField("component", "queue")}
}

func (a *logAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.entry.WithFields(logrus.Fields(fields)).WithError(err).Error(msg)
}

func (a *logAdapter) Info(msg string, fields watermill.LogFields) {
	a.entry.WithFields(logrus.Fields(fields)).Debug(msg)
}

func (a *logAdapter) Debug(msg string, fields watermill.LogFields) {
	a.entry.WithFields(logrus.Fields(fields)).Trace(msg)
}

func (a *logAdapter) Trace(msg string, fields watermill.LogFields) {
	a.entry.WithFields(logrus.Fields(fields)).Trace(msg)
}

func (a *logAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &logAdapter{entry: a.entry.WithFields(logrus.Fields(fields))}
}
