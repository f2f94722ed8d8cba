// Package store は文字列キーの永続化キーバリューストアを提供する
//
// # 責務
// - 連番カウンタや最終撮影画像などの状態をセッションを跨いで保持する
// - 書き込み失敗は ErrPersistence でラップして返す
//
// # 実装
// - SQLiteStore: modernc.org/sqlite による永続化
// - MemoryStore: テストや一時利用向けのメモリ実装
package store

import (
	"context"
	"errors"
)

// ErrPersistence は書き込みが拒否されたことを表す (容量超過など)
var ErrPersistence = errors.New("永続化に失敗しました")

// Store は永続化キーバリューストアのインターフェース
type Store interface {
	// Get はキーの値を取得する。存在しない場合は ok=false
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set はキーに値を書き込む
	Set(ctx context.Context, key, value string) error
}
