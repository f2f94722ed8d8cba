// Package sequence は撮影ファイルの連番採番を担う
//
// 連番は名前空間ごとに「最後に使った値」(lastUsed) として永続化される。
// 名前空間が空 (Global) の場合は単一のキー、アイテム指定時は
// 名前空間 → lastUsed のJSONマップに保存する。
package sequence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"renban/internal/logging"
	"renban/internal/store"
)

// Global はアイテム指定なしの名前空間
const Global = ""

// 永続化キー
const (
	KeyGlobalLastSequence = "camera_last_sequence"
	KeyNamespaceMap       = "seqMap"
)

// ErrInvalidSequence は手動編集の値が不正であることを表す
var ErrInvalidSequence = errors.New("連番は1以上の整数で指定してください")

// Allocator は名前空間ごとの連番を管理する
//
// メモリ上のキャッシュがセッション中の正とし、ストアへの書き込み失敗は
// エラーとして返すがキャッシュは更新済みとなる。
type Allocator struct {
	store  store.Store
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]int // 名前空間 → lastUsed
}

// NewAllocator は新しいAllocatorを作成する
func NewAllocator(s store.Store, logger *slog.Logger) *Allocator {
	return &Allocator{
		store:  s,
		logger: logging.Module(logger, "sequence"),
		cache:  make(map[string]int),
	}
}

// PeekNext は次に使う連番を返す。状態は変更しない
func (a *Allocator) PeekNext(ctx context.Context, namespace string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsedLocked(ctx, namespace) + 1
}

// LastUsed は最後に使った連番を返す (未使用なら0)
func (a *Allocator) LastUsed(ctx context.Context, namespace string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsedLocked(ctx, namespace)
}

// Commit は撮影に実際に使った連番を記録する
//
// 記録済みの値より小さい値は無視する (カウンタを後退させない)。
func (a *Allocator) Commit(ctx context.Context, namespace string, used int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if used <= a.lastUsedLocked(ctx, namespace) {
		a.logger.Warn("古い連番のコミットを無視しました", "namespace", namespace, "used", used)
		return nil
	}
	return a.setLocked(ctx, namespace, used)
}

// SetOverride は次に使う連番を手動で設定する
func (a *Allocator) SetOverride(ctx context.Context, namespace string, newNext int) error {
	if newNext < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidSequence, newNext)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setLocked(ctx, namespace, newNext-1)
}

// Reset は連番を初期状態 (次が1) に戻す
func (a *Allocator) Reset(ctx context.Context, namespace string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setLocked(ctx, namespace, 0)
}

// ParseOverride は手入力された次の連番を検証して返す
func ParseOverride(text string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSequence, text)
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSequence, n)
	}
	return n, nil
}

// lastUsedLocked はキャッシュまたはストアから lastUsed を取得する（ロック済み前提）
func (a *Allocator) lastUsedLocked(ctx context.Context, namespace string) int {
	if v, ok := a.cache[namespace]; ok {
		return v
	}

	v, err := a.load(ctx, namespace)
	if err != nil {
		// 読めない場合は未使用扱い。キャッシュしないので次回再読み込みする
		a.logger.Warn("連番の読み込みに失敗しました", "namespace", namespace, "error", err)
		return 0
	}
	a.cache[namespace] = v
	return v
}

// setLocked はキャッシュを更新し、ストアに書き込む（ロック済み前提）
func (a *Allocator) setLocked(ctx context.Context, namespace string, lastUsed int) error {
	a.cache[namespace] = lastUsed

	if namespace == Global {
		return a.store.Set(ctx, KeyGlobalLastSequence, strconv.Itoa(lastUsed))
	}

	// 他の名前空間のエントリを消さないよう保存済みマップに重ねる
	m, err := a.loadMap(ctx)
	if err != nil {
		a.logger.Warn("連番マップの読み込みに失敗しました", "error", err)
		m = make(map[string]int)
	}
	for ns, v := range a.cache {
		if ns != Global {
			m[ns] = v
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("連番マップのエンコードに失敗: %w", err)
	}
	return a.store.Set(ctx, KeyNamespaceMap, string(data))
}

// load はストアから名前空間の lastUsed を読み込む
func (a *Allocator) load(ctx context.Context, namespace string) (int, error) {
	if namespace == Global {
		raw, ok, err := a.store.Get(ctx, KeyGlobalLastSequence)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			a.logger.Warn("不正な連番値を無視しました", "value", raw)
			return 0, nil
		}
		return n, nil
	}

	m, err := a.loadMap(ctx)
	if err != nil {
		return 0, err
	}
	if n := m[namespace]; n > 0 {
		return n, nil
	}
	return 0, nil
}

// loadMap は名前空間マップを読み込む。壊れたJSONは空として扱う
func (a *Allocator) loadMap(ctx context.Context) (map[string]int, error) {
	m := make(map[string]int)

	raw, ok, err := a.store.Get(ctx, KeyNamespaceMap)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		a.logger.Warn("不正な連番マップを無視しました", "error", err)
		return make(map[string]int), nil
	}
	return m, nil
}
