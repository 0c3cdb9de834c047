package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger creates the logger for the extension. If path is blank, it writes
// to stderr. The returned closer closes the log file.
func NewLogger(path, level string) (*logrus.Logger, io.Closer, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}

	var w io.WriteCloser = nopCloser{os.Stderr}
	if path != "" {
		if w, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666); err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
	}

	return &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: lvl,
	}, w, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
