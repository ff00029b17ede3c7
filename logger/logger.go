// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package logger provides the zap-backed implementation of pubsafe.Logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RFC3339UsecTz0 is the timestamp layout of every log line. Times are always
// written in UTC.
const RFC3339UsecTz0 = "2006-01-02T15:04:05.000000Z07:00"

// NopLogger discards everything.
var NopLogger pubsafe.Logger = pubsafe.NopLogger{}

var _ pubsafe.Logger = &Logger{}

// Logger implements pubsafe.Logger on a zap.SugaredLogger.
type Logger struct {
	sugar  *zap.SugaredLogger
	prefix string
	closer io.Closer
}

// New returns a Logger writing to the file at path, or to stderr if path is
// empty. Debug messages are written only if verbose is set.
func New(path string, verbose bool) (*Logger, error) {
	if path == "" {
		return NewWriter(os.Stderr, verbose), nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening log file")
	}
	l := NewWriter(f, verbose)
	l.closer = f
	return l, nil
}

// NewWriter returns a Logger writing to w.
func NewWriter(w io.Writer, verbose bool) *Logger {
	enc := zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       utcTimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return &Logger{sugar: zap.New(core).Sugar()}
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(RFC3339UsecTz0))
}

// Printf logs at info level.
func (l *Logger) Printf(format string, v ...interface{}) {
	l.sugar.Info(l.prefix + fmt.Sprintf(format, v...))
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar.Debug(l.prefix + fmt.Sprintf(format, v...))
}

// Infof logs at info level.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.sugar.Info(l.prefix + fmt.Sprintf(format, v...))
}

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.sugar.Warn(l.prefix + fmt.Sprintf(format, v...))
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.sugar.Error(l.prefix + fmt.Sprintf(format, v...))
}

// WithPrefix returns a Logger sharing l's output which prepends prefix to
// every message.
func (l *Logger) WithPrefix(prefix string) pubsafe.Logger {
	return &Logger{sugar: l.sugar, prefix: l.prefix + prefix}
}

// Close flushes buffered output and closes the log file, if any.
func (l *Logger) Close() error {
	_ = l.sugar.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Leveled adapts a pubsafe.Logger to the key/value leveled logging interface
// used by go-retryablehttp. Retry chatter is logged at debug level and
// request errors at warn level.
type Leveled struct {
	pubsafe.Logger
}

// Error implements retryablehttp.LeveledLogger.
func (l Leveled) Error(msg string, keysAndValues ...interface{}) {
	l.Warnf("%s%s", msg, kvString(keysAndValues))
}

// Warn implements retryablehttp.LeveledLogger.
func (l Leveled) Warn(msg string, keysAndValues ...interface{}) {
	l.Warnf("%s%s", msg, kvString(keysAndValues))
}

// Info implements retryablehttp.LeveledLogger.
func (l Leveled) Info(msg string, keysAndValues ...interface{}) {
	l.Debugf("%s%s", msg, kvString(keysAndValues))
}

// Debug implements retryablehttp.LeveledLogger.
func (l Leveled) Debug(msg string, keysAndValues ...interface{}) {
	l.Debugf("%s%s", msg, kvString(keysAndValues))
}

func kvString(kvs []interface{}) string {
	s := ""
	for i := 0; i+1 < len(kvs); i += 2 {
		s += fmt.Sprintf(" %v=%v", kvs[i], kvs[i+1])
	}
	return s
}
