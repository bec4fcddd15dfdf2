// Package cmdutil holds helpers shared by the hgfs commands.
package cmdutil

import (
	"fmt"
	"strings"

	"github.com/go-kit/log/level"
)

// logLevels maps flag values to the filter they enable, from least to most
// verbose.
var logLevels = []struct {
	name   string
	option level.Option
}{
	{"none", level.AllowNone()},
	{"error", level.AllowError()},
	{"warn", level.AllowWarn()},
	{"info", level.AllowInfo()},
	{"debug", level.AllowDebug()},
}

const defaultLogLevel = "info"

// LogLevel implements flag.Value for picking which log lines are shown. The
// zero value filters at info.
type LogLevel struct {
	name   string
	option level.Option
}

// String implements flag.Value.
func (l LogLevel) String() string {
	if l.name == "" {
		return defaultLogLevel
	}
	return l.name
}

// Set implements flag.Value. Names are case insensitive.
func (l *LogLevel) Set(in string) error {
	name := strings.ToLower(in)
	for _, ll := range logLevels {
		if ll.name == name {
			l.name, l.option = ll.name, ll.option
			return nil
		}
	}

	names := make([]string, 0, len(logLevels))
	for _, ll := range logLevels {
		names = append(names, ll.name)
	}
	return fmt.Errorf("unknown log level %q, valid options are %s", in, strings.Join(names, ", "))
}

// FilterOption returns l as an option for level.NewFilter.
func (l LogLevel) FilterOption() level.Option {
	if l.option == nil {
		return level.AllowInfo()
	}
	return l.option
}
