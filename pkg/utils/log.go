package utils

import (
	"fmt"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

type prefixLogger struct {
	logger *logrus.Logger
	level  logrus.Level
}

var (
	loggers         map[string]*prefixLogger
	DefaultLogLevel = logrus.InfoLevel
)

func init() {
	loggers = make(map[string]*prefixLogger)
}

// NewLogrusLogger returns a prefixed entry for one component. Entries for the
// same prefix share one underlying logrus instance so SetLogLevel can adjust
// a component at runtime.
func NewLogrusLogger(level logrus.Level, prefix string) *logrus.Entry {
	if pl, found := loggers[prefix]; found {
		return pl.logger.WithField("prefix", prefix)
	}
	l := logrus.New()
	l.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     true,
		ForceFormatting: true,
	}
	l.SetLevel(level)
	loggers[prefix] = &prefixLogger{
		logger: l,
		level:  level,
	}
	return l.WithField("prefix", prefix)
}

func SetLogLevel(prefix string, level logrus.Level) error {
	if pl, found := loggers[prefix]; found {
		pl.level = level
		pl.logger.SetLevel(level)
		return nil
	}
	return fmt.Errorf("logger [%v] not found", prefix)
}
