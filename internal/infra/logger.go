// README: Structured logger construction (logrus, JSON by default).
package infra

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const serviceName = "ridehail-api"

// NewLogger returns the root logger with the service field attached. Unknown
// levels fall back to info.
func NewLogger(level, format string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	return logger.WithField("service", serviceName)
}
