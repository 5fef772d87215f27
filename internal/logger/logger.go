// Package logger constructs the process-wide logrus logger.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing text to stderr. STASHPOOL_LOG_LEVEL selects
// the level (default info).
func New() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if level, err := logrus.ParseLevel(os.Getenv("STASHPOOL_LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}
	return log
}
