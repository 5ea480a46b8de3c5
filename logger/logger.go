// Package logger is a thin, syslog-shaped wrapper that XR Proxy's
// components log through instead of calling zap directly.
//
// Copyright (c) 2017-2020 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package logger

import (
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Priority mirrors the CLI's -l trace|debug|info|warn|error levels.
type Priority int

// nolint: golint
const (
	LOG_TRACE Priority = iota
	LOG_DEBUG
	LOG_INFO
	LOG_WARNING
	LOG_ERR
	LOG_CRIT
)

// ParsePriority maps the CLI -l flag value to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "trace":
		return LOG_TRACE, nil
	case "debug":
		return LOG_DEBUG, nil
	case "info":
		return LOG_INFO, nil
	case "warn":
		return LOG_WARNING, nil
	case "error":
		return LOG_ERR, nil
	}
	return LOG_INFO, errUnknownLevel(s)
}

type errUnknownLevel string

func (e errUnknownLevel) Error() string { return "logger: unknown level " + string(e) }

func (p Priority) zapLevel() zapcore.Level {
	switch p {
	case LOG_TRACE, LOG_DEBUG:
		return zapcore.DebugLevel
	case LOG_INFO:
		return zapcore.InfoLevel
	case LOG_WARNING:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Writer is the process-wide structured logger. One is created at
// startup per component ("xr-client", "xr-server") and referenced by
// every package-level Log* helper below.
type Writer struct {
	z     *zap.SugaredLogger
	trace bool
}

var l *Writer

// New builds the process logger at the given level, tagged with
// component (e.g. "xr-client", "xr-server"). Call once at startup.
func New(p Priority, component string) (*Writer, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(p.zapLevel())
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	if isatty.IsTerminal(os.Stderr.Fd()) {
		// An operator watching stderr directly gets the readable
		// console encoder; a service manager capturing it to a log
		// file gets JSON (cfg's default).
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	w := &Writer{
		z:     z.Sugar().With("component", component),
		trace: p == LOG_TRACE,
	}
	l = w
	return w, nil
}

// Trace reports whether verbose per-frame tracing (cipher/plaintext
// dumps analogous to the teacher's logCipherText/logPlainText toggles)
// is enabled.
func (w *Writer) Trace() bool {
	if w == nil {
		return false
	}
	return w.trace
}

// LogClose flushes and releases the process logger.
func LogClose() error {
	if l == nil {
		return nil
	}
	return l.z.Sync()
}

// LogDebug logs at debug level.
func LogDebug(s string) { logAt(zapcore.DebugLevel, s) }

// LogInfo logs at info level.
func LogInfo(s string) { logAt(zapcore.InfoLevel, s) }

// LogWarning logs at warn level.
func LogWarning(s string) { logAt(zapcore.WarnLevel, s) }

// LogErr logs at error level.
func LogErr(s string) { logAt(zapcore.ErrorLevel, s) }

// LogCrit logs at error level; it does not itself call os.Exit.
func LogCrit(s string) { logAt(zapcore.ErrorLevel, s) }

func logAt(lvl zapcore.Level, s string) {
	if l == nil {
		return
	}
	switch lvl {
	case zapcore.DebugLevel:
		l.z.Debug(s)
	case zapcore.InfoLevel:
		l.z.Info(s)
	case zapcore.WarnLevel:
		l.z.Warn(s)
	default:
		l.z.Error(s)
	}
}

// Fallback returns the package logger for callers that need direct
// access to structured fields (e.g. per-connection ids), building a
// throwaway development logger if New has not been called yet (tests).
func Fallback() *zap.SugaredLogger {
	if l == nil {
		z, _ := zap.NewDevelopment()
		return z.Sugar()
	}
	return l.z
}
