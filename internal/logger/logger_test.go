// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tt := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range tt {
		assert.Equal(t, tc.want, parseLogLevel(tc.input), "level %q", tc.input)
	}
}

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", "text", &buf)
	log.Debug("hello", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "key=value")
	assert.Equal(t, slog.LevelDebug, LogLevel())
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New("info", "json", &buf)
	log.Info("hello")
	log.Debug("suppressed")

	out := buf.String()
	assert.Contains(t, out, `"msg":"hello"`)
	assert.NotContains(t, out, "suppressed")
}

func TestNewPanicsOnBadFormat(t *testing.T) {
	assert.Panics(t, func() {
		New("info", "xml", &bytes.Buffer{})
	})
}

func TestShortenPath(t *testing.T) {
	assert.Equal(t, "internal/logger/logger.go",
		shortenPath("/home/u/hybridsched/internal/logger/logger.go"))
	assert.False(t, strings.HasPrefix(shortenPath("a/b.go"), "/"))
}
