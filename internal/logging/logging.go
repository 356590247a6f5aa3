// Package logging provides the package-wide, JSON-formatted logrus
// logger SPEC_FULL.md §2 item 15 names as LoreSmith's ambient logging
// layer, mirroring the teacher's internal/logging/logging.go and its
// root logger.go: every caller imports Log and writes through it
// directly rather than threading a logger value through every
// constructor. This is the general-purpose process logger; per-request
// and per-span logging that needs trace/span-id correlation goes
// through internal/observability's zerolog-based contextual logger
// instead, exactly as the teacher splits the two.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the application-wide logger. It is usable at its zero-config
// default (JSON to stdout, info level) before Configure is ever called;
// Configure only adjusts level and adds an optional file sink.
var Log = logrus.New()

type callerHook struct{}

func (callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (callerHook) Fire(e *logrus.Entry) error {
	if e.Caller == nil {
		return nil
	}
	e.Data["package"] = packageFromFunc(e.Caller.Function)
	e.Data["file"] = fmt.Sprintf("%s:%d", filepath.Base(e.Caller.File), e.Caller.Line)
	return nil
}

func packageFromFunc(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if i := strings.Index(fn, "."); i >= 0 {
		return fn[:i]
	}
	return fn
}

func init() {
	Log.SetReportCaller(true)
	Log.SetFormatter(&logrus.JSONFormatter{
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return filepath.Base(f.Function), fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		},
	})
	Log.AddHook(callerHook{})
	Log.SetOutput(os.Stdout)
	Log.SetLevel(logrus.InfoLevel)
}

// Configure applies the process's configured level and, when filePath
// is non-empty, tees output to that file alongside stdout. Called once
// from the composition root; safe to skip in tests, which get the
// stdout-only, info-level default.
func Configure(level, filePath string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("logging: invalid level %q: %w", level, err)
		}
		Log.SetLevel(lvl)
	}
	if filePath == "" {
		return nil
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("logging: open %q: %w", filePath, err)
	}
	Log.SetOutput(io.MultiWriter(os.Stdout, f))
	return nil
}
