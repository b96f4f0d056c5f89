// Package kfmt owns the kernel console: a zap logger for structured events,
// Printf for free-form output such as table dumps, and Panic for unrecoverable
// errors.
//
// Output produced before a sink is attached via SetOutputSink is kept in a
// ring buffer and replayed once the sink becomes available.
package kfmt

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// earlyPrintBuffer is a ring buffer that stores console output before
	// a sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where console output is sent. If set to
	// nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	sinkMu sync.Mutex

	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = newLogger()
)

// consoleWriter forwards writes to the active output sink.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

func (consoleWriter) Sync() error { return nil }

func newLogger() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), consoleWriter{}, level)
	return zap.New(core)
}

// SetOutputSink sets the default target for console output to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = earlyPrintBuffer.WriteTo(w)
	}
}

// GetOutputSink returns the active output sink or nil if output is still
// being buffered.
func GetOutputSink() io.Writer {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	return outputSink
}

// SetLevel adjusts the minimum level of messages emitted by Logger.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Logger returns the kernel logger. The optional module name is attached to
// every message as a named logger.
func Logger(module ...string) *zap.Logger {
	if len(module) == 0 {
		return logger
	}
	return logger.Named(module[0])
}

// Printf writes formatted output to the console.
func Printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(consoleWriter{}, format, args...)
}
