package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
)

// ErrMediaAccess はカメラの権限拒否またはデバイス不在を表す
var ErrMediaAccess = errors.New("カメラにアクセスできません")

// FacingMode はカメラの向きを表す
type FacingMode string

const (
	FacingFront FacingMode = "front" // 前面 (自撮り) カメラ
	FacingBack  FacingMode = "back"  // 背面カメラ
)

// Toggle は反対側の向きを返す
func (f FacingMode) Toggle() FacingMode {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

// ParseFacingMode は文字列を FacingMode に変換する
func ParseFacingMode(s string) (FacingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "front", "user":
		return FacingFront, nil
	case "back", "environment":
		return FacingBack, nil
	default:
		return "", fmt.Errorf("無効なカメラの向き: %q", s)
	}
}

// Constraints はストリーム取得要求の条件
//
// Facing が空の場合は向きを問わず、幅・高さが0の場合は解像度の指定なし。
type Constraints struct {
	Facing          FacingMode
	PreferredWidth  int
	PreferredHeight int
}

// HasResolutionHint は解像度の希望が指定されているかを返す
func (c Constraints) HasResolutionHint() bool {
	return c.PreferredWidth > 0 && c.PreferredHeight > 0
}

// Degraded は二段目の要求に使う既定の条件を返す (向き・解像度の指定なし)
func (c Constraints) Degraded() Constraints {
	return Constraints{}
}

// MediaSource はカメラデバイスへのアクセスを提供する
type MediaSource interface {
	// RequestStream は条件に合うストリームを取得する。失敗時は ErrMediaAccess をラップして返す
	RequestStream(ctx context.Context, c Constraints) (Stream, error)
}

// Stream は取得済みのライブ映像を表す
type Stream interface {
	// ID はストリームの識別子
	ID() string

	// Frame は現在のフレームをネイティブ解像度で返す
	Frame(ctx context.Context) (image.Image, error)

	// Stop はデバイスを解放する。複数回呼んでもよい
	Stop()
}

// Encoder はフレームを圧縮画像にエンコードする
type Encoder interface {
	// Encode は img を quality (1-100) でエンコードする。mirror が真なら左右反転する
	Encode(img image.Image, mirror bool, quality int) ([]byte, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device  string   `json:"device"`  // デバイスパス
	Name    string   `json:"name"`    // デバイス名
	Formats []string `json:"formats"` // サポートされるフォーマット
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}
