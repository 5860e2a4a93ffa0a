// Package logging configures the global zerolog logger for both binaries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup installs a console writer on stderr and, when file is set, a
// rotating JSON log file next to it. The returned closer flushes the file.
func Setup(level, file string) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	console := zerolog.ConsoleWriter{Out: os.Stderr}

	var closer io.Closer = nopCloser{}
	var out io.Writer = console
	if file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
		out = zerolog.MultiLevelWriter(console, lj)
		closer = lj
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	SetLevel(level)
	return closer
}

// SetLevel changes the global level. Unknown names fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
