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

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type LoggerTest struct {
	suite.Suite
	buf *bytes.Buffer
}

func TestLoggerSuite(t *testing.T) { suite.Run(t, new(LoggerTest)) }

func (t *LoggerTest) redirect(format, severity string) {
	t.buf = &bytes.Buffer{}
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createHandler(t.buf))
	SetLoggingLevel(severity)
}

func (t *LoggerTest) TestLevelOffSuppressesEverything() {
	t.redirect("text", SeverityOff)

	Tracef("hi")
	Debugf("hi")
	Infof("hi")
	Warnf("hi")
	Errorf("hi")

	assert.Empty(t.T(), t.buf.String())
}

func (t *LoggerTest) TestLevelErrorOnlyEmitsError() {
	t.redirect("text", SeverityError)

	Infof("should not appear")
	Errorf("boom %d", 7)

	out := t.buf.String()
	assert.NotContains(t.T(), out, "should not appear")
	assert.Regexp(t.T(), regexp.MustCompile(`severity=ERROR`), out)
	assert.Contains(t.T(), out, "boom 7")
}

func (t *LoggerTest) TestLevelTraceEmitsEverything() {
	t.redirect("text", SeverityTrace)

	Tracef("a")
	Debugf("b")
	Infof("c")
	Warnf("d")
	Errorf("e")

	out := t.buf.String()
	for _, sev := range []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR"} {
		assert.Contains(t.T(), out, "severity="+sev)
	}
}

func (t *LoggerTest) TestJSONFormat() {
	t.redirect("json", SeverityInfo)

	Infof("hello")

	out := t.buf.String()
	assert.Contains(t.T(), out, `"severity":"INFO"`)
	assert.Contains(t.T(), out, `"msg":"hello"`)
}

func TestSetLoggingLevelUnknownSeverityDefaultsToInfo(t *testing.T) {
	defaultLoggerFactory.level.Set(LevelError)
	SetLoggingLevel("NOT_A_LEVEL")
	assert.Equal(t, LevelInfo, defaultLoggerFactory.level.Level())
}
