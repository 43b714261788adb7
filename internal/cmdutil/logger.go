package cmdutil

import (
	"flag"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFlags holds the logging flags shared by commands.
type LogFlags struct {
	Level LogLevel
	File  string
}

// RegisterFlags registers the logging flags in fs.
func (f *LogFlags) RegisterFlags(fs *flag.FlagSet) {
	fs.Var(&f.Level, "log.level", "Level to display logs at")
	fs.StringVar(&f.File, "log.file", "", "Also write logs to a rotated file at this path")
}

// NewLogger creates a logfmt logger for program which writes to stdout, and
// to the rotated log file if one was given. The returned io.Closer closes
// the log file.
func (f LogFlags) NewLogger(program string) (log.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if f.File != "" {
		lj := &lumberjack.Logger{
			Filename:   f.File,
			MaxSize:    100, // megabytes
			MaxAge:     7,
			MaxBackups: 7,
			LocalTime:  true,
		}
		w = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}
	return newLogger(w, program, f.Level), closer
}

func newLogger(w io.Writer, program string, ll LogLevel) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(w))
	l = level.NewFilter(l, ll.FilterOption())
	return log.With(l, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller, "program", program)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
