// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the leveled, structured logger used throughout
// the restore pass. Severity runs TRACE < DEBUG < INFO < WARNING < ERROR <
// OFF; only the process-wide level and above is emitted.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, one notch apart so they can be compared against
// slog.Level without collisions (slog reserves -4/0/4/8 for its own
// Debug/Info/Warn/Error).
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(math.MaxInt32)
)

// Severity names accepted by SetLoggingLevel, matching cfg's yaml values.
const (
	SeverityTrace = "TRACE"
	SeverityDebug = "DEBUG"
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARNING"
	SeverityError = "ERROR"
	SeverityOff   = "OFF"
)

var severityToLevel = map[string]slog.Level{
	SeverityTrace: LevelTrace,
	SeverityDebug: LevelDebug,
	SeverityInfo:  LevelInfo,
	SeverityWarn:  LevelWarn,
	SeverityError: LevelError,
	SeverityOff:   LevelOff,
}

type loggerFactory struct {
	format string // "text" or "json"
	level  *slog.LevelVar
}

func (f *loggerFactory) createHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       f.level,
		ReplaceAttr: replaceLevelWithSeverity,
	}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// replaceLevelWithSeverity renames slog's "level" attribute to "severity"
// and maps our custom levels back to their printable names, so TRACE
// doesn't come out as slog's made-up "DEBUG-4".
func replaceLevelWithSeverity(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	lvl, _ := a.Value.Any().(slog.Level)
	a.Key = "severity"
	switch {
	case lvl < LevelDebug:
		a.Value = slog.StringValue(SeverityTrace)
	case lvl < LevelInfo:
		a.Value = slog.StringValue(SeverityDebug)
	case lvl < LevelWarn:
		a.Value = slog.StringValue(SeverityInfo)
	case lvl < LevelError:
		a.Value = slog.StringValue(SeverityWarn)
	default:
		a.Value = slog.StringValue(SeverityError)
	}
	return a
}

var (
	defaultLoggerFactory = &loggerFactory{format: "text", level: &slog.LevelVar{}}
	defaultLogger        = slog.New(defaultLoggerFactory.createHandler(os.Stderr))
)

// InitLogFile redirects the default logger to a lumberjack-rotated file.
// Passing an empty path leaves the logger writing to stderr.
func InitLogFile(path string, maxSizeMB, maxBackups int) error {
	if path == "" {
		defaultLogger = slog.New(defaultLoggerFactory.createHandler(os.Stderr))
		return nil
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	defaultLogger = slog.New(defaultLoggerFactory.createHandler(w))
	return nil
}

// SetLogFormat switches between "text" and "json" handlers.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createHandler(currentWriter()))
}

// currentWriter recreates the handler against the same writer it already
// had; stderr is the only writer we can recover without tracking it
// separately, which is fine since SetLogFormat always runs before
// InitLogFile during flag processing (see cmd.Execute).
func currentWriter() io.Writer {
	return os.Stderr
}

// SetLoggingLevel gates emitted severities at and above level.
func SetLoggingLevel(severity string) {
	lvl, ok := severityToLevel[severity]
	if !ok {
		lvl = LevelInfo
	}
	defaultLoggerFactory.level.Set(lvl)
}

func log(ctx context.Context, level slog.Level, msg string) {
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	defaultLogger.Log(ctx, level, msg)
}

func Trace(msg string) { log(context.Background(), LevelTrace, msg) }
func Debug(msg string) { log(context.Background(), LevelDebug, msg) }
func Info(msg string)  { log(context.Background(), LevelInfo, msg) }
func Warn(msg string)  { log(context.Background(), LevelWarn, msg) }
func Error(msg string) { log(context.Background(), LevelError, msg) }

func Tracef(format string, args ...interface{}) { log(context.Background(), LevelTrace, fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...interface{}) { log(context.Background(), LevelDebug, fmt.Sprintf(format, args...)) }
func Infof(format string, args ...interface{})  { log(context.Background(), LevelInfo, fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...interface{})  { log(context.Background(), LevelWarn, fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...interface{}) { log(context.Background(), LevelError, fmt.Sprintf(format, args...)) }

// Duration formats a time.Duration for a log message, so callers need
// not format it themselves.
func Duration(d time.Duration) string {
	return d.String()
}
