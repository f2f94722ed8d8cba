// Package logging は log/slog ベースのロガーを構成する
//
// 各パッケージは Module で "module" 属性付きのロガーを受け取る。
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Config はロガーの構成
type Config struct {
	Level  string // debug / info / warn / error
	Format string // text / json
}

// New は設定に従ってロガーを作成する
func New(w io.Writer, cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("サポートされていないログ形式: %s", cfg.Format)
	}

	return slog.New(handler), nil
}

// ParseLevel は文字列をログレベルに変換する
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("無効なログレベル: %s", s)
	}
}

// Module はモジュール名付きのロガーを返す。nil の場合は破棄用ロガー
func Module(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = Discard()
	}
	return l.With("module", name)
}

// Discard は何も出力しないロガーを返す
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
