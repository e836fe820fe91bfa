// Package logs is the process-wide logger every package writes through.
// Lines go to stderr; a run log, once attached, gets all of them.
package logs

import (
	"os"
	"sync"

	"github.com/0xa1bed0/mkimage/internal/ui"
)

var std = sync.OnceValue(func() *ui.Logger {
	return ui.New(ui.Options{
		Out:        os.Stderr,
		TailLines:  8,
		EnableTail: true,
		LogLevel:   ui.LogLevelWarn,
	})
})

// SetDebugVerbosity maps the number of -v flags to a level. Negative is
// quiet, errors only.
func SetDebugVerbosity(cnt int) {
	level := ui.LogLevelWarn
	switch {
	case cnt < 0:
		level = ui.LogLevelError
	case cnt == 1:
		level = ui.LogLevelDebug
	case cnt > 1:
		level = ui.LogLevelDebugVerbose
	}
	std().SetLogLevel(level)
}

func SetComponent(name string) { std().SetComponent(name) }

// SetFullLogPath attaches the run log file.
func SetFullLogPath(path string) error { return std().SetFullLogPath(path) }

func Banner(title string) { std().Banner(title) }

func Infof(format string, args ...any)  { std().Info(format, args...) }
func Debugf(format string, args ...any) { std().Debug(format, args...) }
func Warnf(format string, args ...any)  { std().Warn(format, args...) }
func Errorf(format string, args ...any) { std().Error(format, args...) }

// NewTailBox streams command output under a title.
func NewTailBox(title string) ui.Tail { return std().NewTail(title) }

func PromptSelectMany(label string, options []ui.SelectOption) ([]ui.SelectOption, error) {
	return std().SelectMany(label, options)
}

func PromptConfirm(text string) (bool, error) { return std().Confirm(text) }

// Close leaves any open tail on screen and closes the run log.
func Close() error { return std().Close() }
