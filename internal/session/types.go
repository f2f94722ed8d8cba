package session

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"renban/internal/camera"
	"renban/internal/sequence"
)

// State はセッションの状態を表す
type State string

const (
	StateIdle      State = "idle"      // ストリームなし
	StateAcquiring State = "acquiring" // デバイス取得中
	StateLive      State = "live"      // ライブプレビュー中
	StateDenied    State = "denied"    // 権限拒否・デバイスなし (再試行まで終端)
)

// Permission はカメラ権限の状態を表す
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// FlashDuration は撮影時のフラッシュ表示時間
const FlashDuration = 150 * time.Millisecond

// 永続化キー
const (
	KeyLastImage    = "camera_last_image"
	KeyLastFilename = "camera_last_filename"
	KeyCurrentItem  = "current_item"
)

var (
	// ErrNotReady はストリームまたはアイテムが無い状態で撮影しようとしたことを表す
	ErrNotReady = errors.New("撮影の準備ができていません")

	// ErrEncoding はフレームの取得またはエンコードに失敗したことを表す
	ErrEncoding = errors.New("画像のエンコードに失敗しました")

	// ErrSuperseded は取得中に新しい取得要求で置き換えられたことを表す
	ErrSuperseded = errors.New("新しい取得要求で置き換えられました")
)

// Artifact は撮影結果
type Artifact struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Namespace  string    `json:"namespace,omitempty"`
	Sequence   int       `json:"sequence"`
	CapturedAt time.Time `json:"captured_at"`
	Image      []byte    `json:"-"`
}

const dataURIPrefix = "data:image/jpeg;base64,"

// DataURI は画像を data URI 形式で返す
func (a *Artifact) DataURI() string {
	return dataURIPrefix + base64.StdEncoding.EncodeToString(a.Image)
}

// decodeDataURI は data URI から画像バイト列を取り出す
func decodeDataURI(s string) ([]byte, error) {
	_, payload, ok := strings.Cut(s, ";base64,")
	if !ok || !strings.HasPrefix(s, "data:") {
		return nil, errors.New("data URIではありません")
	}
	return base64.StdEncoding.DecodeString(payload)
}

// Snapshot はセッション状態の読み取り専用コピー
type Snapshot struct {
	ID                   string                `json:"id"`
	State                State                 `json:"state"`
	Permission           Permission            `json:"permission"`
	Facing               camera.FacingMode     `json:"facing"`
	LivePreviewAvailable bool                  `json:"live_preview_available"`
	StreamID             string                `json:"stream_id,omitempty"`
	Item                 string                `json:"item"`
	RequireItem          bool                  `json:"require_item"`
	Naming               sequence.NamingPolicy `json:"naming"`
	Quality              int                   `json:"quality"`
	NextSequence         int                   `json:"next_sequence"`
	NextFilename         string                `json:"next_filename,omitempty"`
	Status               string                `json:"status"`
	LastFilename         string                `json:"last_filename,omitempty"`
}
