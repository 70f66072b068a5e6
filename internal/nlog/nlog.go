// Package nlog is a small leveled, verbosity-gated logger used across the
// replica core. It mirrors the shape of the teacher's cmn/nlog +
// cos.FastV(level, module) idiom rather than importing it: nlog is
// aistore-internal and not a third-party module, so the ambient logging
// concern is met by writing our own package in the same style.
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	mu     sync.Mutex
	out    io.Writer = os.Stderr
	level  atomic.Int32
	vlevel atomic.Int32 // per-process verbosity knob, see FastV
)

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel adjusts the minimum level that reaches the writer.
func SetLevel(l Level) { level.Store(int32(l)) }

// SetVerbosity sets the verbosity threshold consulted by FastV.
func SetVerbosity(v int32) { vlevel.Store(v) }

// SetOutput redirects where log lines are written; tests use this to
// capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// FastV reports whether verbose logging at the given threshold and
// module tag is currently enabled. Modules are accepted purely for
// call-site documentation purposes, matching the teacher's
// cmn.Rom.FastV(n, cos.SmoduleXxx) call shape.
func FastV(threshold int32, _module string) bool {
	return vlevel.Load() >= threshold
}

func log(l Level, tag string, format string, args ...any) {
	if Level(level.Load()) < l {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	ts := time.Now().UTC().Format("15:04:05.000000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(out, "%s %-5s %s\n", ts, tag, msg)
}

func Errorf(format string, args ...any) { log(LevelError, "ERROR", format, args...) }
func Errorln(args ...any)               { log(LevelError, "ERROR", "%s", fmt.Sprintln(args...)) }
func Warnf(format string, args ...any)  { log(LevelWarn, "WARN", format, args...) }
func Infof(format string, args ...any)  { log(LevelInfo, "INFO", format, args...) }
func Infoln(args ...any)                { log(LevelInfo, "INFO", "%s", fmt.Sprintln(args...)) }
func Debugf(format string, args ...any) { log(LevelDebug, "DEBUG", format, args...) }
