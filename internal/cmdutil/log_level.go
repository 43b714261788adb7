package cmdutil

import (
	"fmt"
	"strings"

	"github.com/go-kit/log/level"
)

type levelInfo struct {
	name   string
	option level.Option
}

// Levels accepted by LogLevel.Set, from most to least verbose.
var logLevels = []levelInfo{
	{"debug", level.AllowDebug()},
	{"info", level.AllowInfo()},
	{"warn", level.AllowWarn()},
	{"error", level.AllowError()},
	{"none", level.AllowNone()},
}

// LogLevel is a flag.Value selecting which log lines reach the output. The
// zero value allows info and above.
type LogLevel struct {
	info *levelInfo
}

func (l LogLevel) get() levelInfo {
	if l.info == nil {
		return logLevels[1]
	}
	return *l.info
}

// String implements flag.Value.
func (l LogLevel) String() string { return l.get().name }

// Set implements flag.Value. Level names are case-insensitive.
func (l *LogLevel) Set(in string) error {
	in = strings.ToLower(strings.TrimSpace(in))

	names := make([]string, 0, len(logLevels))
	for i := range logLevels {
		if logLevels[i].name == in {
			l.info = &logLevels[i]
			return nil
		}
		names = append(names, logLevels[i].name)
	}
	return fmt.Errorf("unknown log level %q, valid options are %s", in, strings.Join(names, ", "))
}

// FilterOption returns the level.Option to pass to level.NewFilter.
func (l LogLevel) FilterOption() level.Option { return l.get().option }
