package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Log is the logger shared by every package of the builder.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogger configures Log to write to the console and, when logDir is set, to a
// timestamped build log under logDir. The returned func closes the log file.
func SetLogger(debug bool, logDir string) (string, func() error, error) {
	level := zerolog.InfoLevel
	if debug || os.Getenv("OYO_DEBUG") != "" {
		level = zerolog.DebugLevel
	}

	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	closer := func() error { return nil }
	logFile := ""
	if logDir != "" {
		if err := os.MkdirAll(logDir, os.ModeDir|0o755); err != nil {
			return "", closer, err
		}
		logFile = filepath.Join(logDir, fmt.Sprintf("build_%s.log", time.Now().Format("20060102150405")))
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", closer, err
		}
		writers = append(writers, f)
		closer = f.Close
	}

	Log = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return logFile, closer, nil
}
