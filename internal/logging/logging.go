package logging

import (
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrInvalidLevel is returned for an unknown level name.
var ErrInvalidLevel = errors.New("invalid log level")

// Log is the process-wide logger.
var Log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel sets the minimum level. Accepted: debug, info, warn, warning, error.
func SetLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		Log.SetLevel(logrus.DebugLevel)
	case "", "info":
		Log.SetLevel(logrus.InfoLevel)
	case "warning", "warn":
		Log.SetLevel(logrus.WarnLevel)
	case "error":
		Log.SetLevel(logrus.ErrorLevel)
	default:
		return ErrInvalidLevel
	}
	return nil
}

// SetJSON switches the output format to JSON lines (used in production).
func SetJSON() {
	Log.SetFormatter(&logrus.JSONFormatter{})
}

// For returns an entry tagged with a component name.
func For(component string) *logrus.Entry {
	return Log.WithField("component", component)
}
