// Package download は撮影画像の保存先を提供する
package download

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"renban/internal/logging"
)

// Sink は撮影画像を受け取る保存先
//
// 保存は投げっぱなしで、呼び出し側は成否を観測しない。
type Sink interface {
	Save(encodedImage []byte, filename string)
}

// DirSink は指定ディレクトリにファイルとして保存するSink実装
type DirSink struct {
	dir    string
	logger *slog.Logger
}

// NewDirSink は新しいDirSinkを作成する
func NewDirSink(dir string, logger *slog.Logger) *DirSink {
	return &DirSink{dir: dir, logger: logging.Module(logger, "download")}
}

// Dir は保存先ディレクトリを返す
func (s *DirSink) Dir() string {
	return s.dir
}

// Save はファイルを書き込む。失敗はログに残すだけ
func (s *DirSink) Save(encodedImage []byte, filename string) {
	path, err := s.write(encodedImage, filename)
	if err != nil {
		s.logger.Warn("画像の保存に失敗しました", "filename", filename, "error", err)
		return
	}
	s.logger.Info("画像を保存しました", "path", path, "bytes", len(encodedImage))
}

func (s *DirSink) write(data []byte, filename string) (string, error) {
	name, err := sanitize(filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	path := filepath.Join(s.dir, name)

	// 途中で失敗しても中途半端なファイルを残さない
	tmp, err := os.CreateTemp(s.dir, ".renban-*")
	if err != nil {
		return "", fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("ファイル名の変更に失敗: %w", err)
	}
	return path, nil
}

// sanitize はディレクトリ外への書き込みになるファイル名を拒否する
func sanitize(filename string) (string, error) {
	name := filepath.Base(filename)
	if name != filename || name == "." || name == ".." || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("不正なファイル名: %q", filename)
	}
	return name, nil
}
