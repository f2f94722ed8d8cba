package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseLevel はログレベルの解析をテストする
func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

// TestNewJSONWithModule はJSON形式のロガーとモジュール属性をテストする
func TestNewJSONWithModule(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Config{Level: "debug", Format: "json"})
	require.NoError(t, err)

	Module(l, "session").Debug("acquired", "facing", "back")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "session", rec["module"])
	assert.Equal(t, "back", rec["facing"])
	assert.Equal(t, "acquired", rec["msg"])
}

// TestNewRespectsLevel はログレベルによる出力の抑制をテストする
func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Config{Level: "warn"})
	require.NoError(t, err)

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

// TestNewUnknownFormat は未知のログ形式の扱いをテストする
func TestNewUnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Config{Format: "xml"})
	assert.Error(t, err)
}

// TestModuleNil はnil ロガーへのモジュール付与をテストする
func TestModuleNil(t *testing.T) {
	assert.NotPanics(t, func() {
		Module(nil, "x").Info("dropped")
	})
}
