package tarsplit

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the package's structured logger. Level defaults to
// Info; set TARSPLIT_LOG_LEVEL (e.g. "debug", "warn") to override.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if s := os.Getenv("TARSPLIT_LOG_LEVEL"); s != "" {
		if parsed, err := logrus.ParseLevel(s); err == nil {
			level = parsed
		}
	}
	log.SetLevel(level)
	return log
}
