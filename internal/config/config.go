package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Storage  StorageConfig  `yaml:"storage"`
	Download DownloadConfig `yaml:"download"`
	Naming   NamingConfig   `yaml:"naming"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	FrontDevice string `yaml:"front_device"` // 前面カメラのデバイスパス
	BackDevice  string `yaml:"back_device"`  // 背面カメラのデバイスパス
	Facing      string `yaml:"facing"`       // 起動時の向き ("front" / "back")
	FPS         int    `yaml:"fps"`          // プレビューのフレームレート

	// 一段目の取得要求で使う希望解像度
	PreferredWidth  int `yaml:"preferred_width"`
	PreferredHeight int `yaml:"preferred_height"`

	JPEGQuality    int           `yaml:"jpeg_quality"`    // JPEG品質 (1-100)
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // デバイス取得のタイムアウト (0で無効)
}

// StorageConfig は永続化ストアの設定
type StorageConfig struct {
	DataDir string `yaml:"data_dir"` // データディレクトリ
	DBFile  string `yaml:"db_file"`  // SQLiteファイル名
}

// DownloadConfig は保存先の設定
type DownloadConfig struct {
	Dir string `yaml:"dir"`
}

// NamingConfig はファイル名の初期設定
type NamingConfig struct {
	UseCustomPrefix bool   `yaml:"use_custom_prefix"`
	Prefix          string `yaml:"prefix"`
	RequireItem     bool   `yaml:"require_item"` // アイテム番号なしでは撮影しない
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // text / json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			FrontDevice:     "/dev/video0",
			BackDevice:      "/dev/video2",
			Facing:          "back",
			FPS:             15,
			PreferredWidth:  1920,
			PreferredHeight: 1080,
			JPEGQuality:     92,
			AcquireTimeout:  10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			DBFile:  "renban.db",
		},
		Download: DownloadConfig{
			Dir: "downloads",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// path が空、またはファイルが存在しない場合はデフォルト値に環境変数を適用して返す
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// 設定ファイルは任意
		case err != nil:
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
			}
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("RENBAN_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Storage.DataDir = getEnvOrDefault("RENBAN_DATA_DIR", c.Storage.DataDir)
	c.Download.Dir = getEnvOrDefault("RENBAN_DOWNLOAD_DIR", c.Download.Dir)
	c.Log.Level = getEnvOrDefault("RENBAN_LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Camera.JPEGQuality)
	}
	if c.Camera.FPS < 0 {
		return fmt.Errorf("無効なフレームレート: %d", c.Camera.FPS)
	}
	if c.Camera.PreferredWidth < 0 || c.Camera.PreferredHeight < 0 {
		return fmt.Errorf("無効な希望解像度: %dx%d", c.Camera.PreferredWidth, c.Camera.PreferredHeight)
	}
	switch c.Camera.Facing {
	case "front", "back":
	default:
		return fmt.Errorf("無効なカメラの向き: %q", c.Camera.Facing)
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("データディレクトリが指定されていません")
	}
	if strings.TrimSpace(c.Download.Dir) == "" {
		return fmt.Errorf("保存先ディレクトリが指定されていません")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DBPath はSQLiteファイルのパスを返す
func (c *Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.DBFile)
}

// defaultDataDir は ~/.renban を返す。ホームが取れない場合はカレントの .renban
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".renban"
	}
	return filepath.Join(home, ".renban")
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
