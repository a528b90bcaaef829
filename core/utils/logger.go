package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	l *logrus.Logger
}

func NewLogger() *Logger {
	return NewLoggerWith("info", "text", os.Stdout)
}

func NewLoggerWith(level, format string, out io.Writer) *Logger {
	l := logrus.New()
	if out != nil {
		l.SetOutput(out)
	}
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	return &Logger{l: l}
}

func (lg *Logger) Printf(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Info(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (lg *Logger) Debugf(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Debugf(format, args...)
}

func (lg *Logger) Errorf(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Errorf(format, args...)
}

// Fatalf satisfies goose.Logger; it logs and exits.
func (lg *Logger) Fatalf(format string, args ...any) {
	if lg == nil {
		os.Exit(1)
	}
	lg.l.Fatal(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (lg *Logger) With(key string, value any) *logrus.Entry {
	if lg == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return lg.l.WithField(key, value)
}
