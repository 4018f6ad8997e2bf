package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Fields mirrors logrus.Fields for call sites.
type Fields = logrus.Fields

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	if os.Getenv("LOG_LEVEL") == "debug" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Base returns the shared logger for components that want entry chaining.
func Base() *logrus.Logger { return logger }

func Info(msg string, fields Fields)  { logger.WithFields(fields).Info(msg) }
func Warn(msg string, fields Fields)  { logger.WithFields(fields).Warn(msg) }
func Error(msg string, fields Fields) { logger.WithFields(fields).Error(msg) }
func Debug(msg string, fields Fields) { logger.WithFields(fields).Debug(msg) }
