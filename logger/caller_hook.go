package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Frames from these packages are logging machinery, not call sites.
var wrapperPackages = []string{
	"github.com/sirupsen/logrus",
	"messariflow/logger",
}

// callerHook rewrites the caller logrus reports so log lines point at the
// component that logged, not at this package's wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	// Depth 6 lands past runtime.Callers, Fire and the logrus hook path;
	// anything left over is filtered by package.
	depth := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:depth])
	for more := true; more; {
		var frame runtime.Frame
		frame, more = frames.Next()
		if wrapperFrame(frame.Function) {
			continue
		}
		entry.Caller = &frame
		return nil
	}
	return nil
}

// wrapperFrame reports whether a function belongs to the logging machinery.
func wrapperFrame(function string) bool {
	for _, pkg := range wrapperPackages {
		if strings.Contains(function, pkg) {
			return true
		}
	}
	return false
}
