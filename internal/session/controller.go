// Package session はカメラセッションの状態機械と撮影処理を担う
//
// # 責務
// - カメラ取得のライフサイクル (Idle → Acquiring → Live / Denied)
// - 前面/背面の切り替えと、取得中の要求の置き換え
// - 撮影: フレーム取得 → エンコード → 命名 → 連番コミット → 最終撮影の保存 → 保存先への受け渡し
//
// # 仕様
// - セッションが保持するストリームは常に高々1本
// - 取得要求は世代番号を持ち、古い世代で解決したストリームは即座に解放して捨てる
// - 永続化の失敗は撮影と保存を妨げない。セッション中はメモリ上の状態を正とする
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png" // ファイル撮影でPNGを受け付ける
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"renban/internal/camera"
	"renban/internal/download"
	"renban/internal/logging"
	"renban/internal/sequence"
	"renban/internal/store"
)

// Options はControllerの初期設定
type Options struct {
	Facing          camera.FacingMode
	PreferredWidth  int
	PreferredHeight int
	Quality         int // JPEG品質 (1-100)
	Naming          sequence.NamingPolicy

	// RequireItem が真の場合、アイテム未入力では撮影できない
	RequireItem bool

	// AcquireTimeout は取得要求1回あたりのタイムアウト (0で無効)
	AcquireTimeout time.Duration

	// OnFlash は撮影成功時に呼ばれる
	OnFlash func(d time.Duration)

	Logger *slog.Logger
}

// Controller はカメラセッションを管理する
type Controller struct {
	id      string
	source  camera.MediaSource
	encoder camera.Encoder
	alloc   *sequence.Allocator
	store   store.Store
	sink    download.Sink
	logger  *slog.Logger
	onFlash func(time.Duration)

	acquireTimeout  time.Duration
	preferredWidth  int
	preferredHeight int
	requireItem     bool

	mu         sync.Mutex
	state      State
	permission Permission
	facing     camera.FacingMode
	stream     camera.Stream
	generation uint64
	item       string
	naming     sequence.NamingPolicy
	quality    int
	nextSeq    int // ストアと一致させるキャッシュ
	last       *Artifact
	status     string
}

// New は新しいControllerを作成する
//
// 前回のアイテムと最終撮影をストアから復元する。
func New(ctx context.Context, source camera.MediaSource, encoder camera.Encoder, alloc *sequence.Allocator,
	st store.Store, sink download.Sink, opts Options) *Controller {
	facing := opts.Facing
	if facing == "" {
		facing = camera.FacingBack
	}

	c := &Controller{
		id:              uuid.NewString(),
		source:          source,
		encoder:         encoder,
		alloc:           alloc,
		store:           st,
		sink:            sink,
		onFlash:         opts.OnFlash,
		acquireTimeout:  opts.AcquireTimeout,
		preferredWidth:  opts.PreferredWidth,
		preferredHeight: opts.PreferredHeight,
		requireItem:     opts.RequireItem,
		state:           StateIdle,
		permission:      PermissionUnknown,
		facing:          facing,
		naming:          opts.Naming,
		quality:         camera.ClampQuality(opts.Quality),
	}
	c.logger = logging.Module(opts.Logger, "session").With("session", c.id)

	c.restore(ctx)
	c.nextSeq = c.alloc.PeekNext(ctx, c.namespaceLocked())
	return c
}

// ID はセッションIDを返す
func (c *Controller) ID() string {
	return c.id
}

// restore は前回のアイテムと最終撮影を読み込む
func (c *Controller) restore(ctx context.Context) {
	if item, ok, err := c.store.Get(ctx, KeyCurrentItem); err != nil {
		c.logger.Warn("アイテムの読み込みに失敗しました", "error", err)
	} else if ok {
		if normalized, err := sequence.NormalizeItem(item); err != nil {
			c.logger.Warn("保存されたアイテムを無視しました", "item", item, "error", err)
		} else {
			c.item = normalized
		}
	}

	filename, okName, err := c.store.Get(ctx, KeyLastFilename)
	if err != nil || !okName {
		return
	}
	uri, okImage, err := c.store.Get(ctx, KeyLastImage)
	if err != nil || !okImage {
		return
	}
	data, err := decodeDataURI(uri)
	if err != nil {
		c.logger.Warn("最終撮影画像を復元できませんでした", "error", err)
		return
	}
	c.last = &Artifact{Filename: filename, Image: data}
}

// Start はカメラを取得する。Live または取得中の場合は何もしない
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	busy := c.state == StateLive || c.state == StateAcquiring
	c.mu.Unlock()
	if busy {
		return nil
	}
	return c.acquire(ctx)
}

// Retry は状態に関わらずカメラを取得し直す
func (c *Controller) Retry(ctx context.Context) error {
	return c.acquire(ctx)
}

// ToggleFacingMode は前面/背面を切り替えて取得し直す
func (c *Controller) ToggleFacingMode(ctx context.Context) error {
	c.mu.Lock()
	c.facing = c.facing.Toggle()
	c.mu.Unlock()
	return c.acquire(ctx)
}

// SetFacingMode は向きを指定して取得し直す。同じ向きで Live の場合は何もしない
func (c *Controller) SetFacingMode(ctx context.Context, facing camera.FacingMode) error {
	c.mu.Lock()
	unchanged := c.facing == facing && c.state == StateLive
	c.facing = facing
	c.mu.Unlock()
	if unchanged {
		return nil
	}
	return c.acquire(ctx)
}

// Teardown はストリームを解放して Idle に戻る。取得中の要求は解決時に捨てられる
func (c *Controller) Teardown() {
	c.mu.Lock()
	c.generation++
	prev := c.stream
	c.stream = nil
	c.state = StateIdle
	c.mu.Unlock()

	if prev != nil {
		prev.Stop()
		c.logger.Info("ストリームを解放しました", "stream", prev.ID())
	}
}

// Close は Teardown を行う
func (c *Controller) Close() error {
	c.Teardown()
	return nil
}

// acquire は新しい世代で取得を行い、成功すればセッションのストリームにする
func (c *Controller) acquire(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	prev := c.stream
	c.stream = nil
	c.state = StateAcquiring
	cons := camera.Constraints{
		Facing:          c.facing,
		PreferredWidth:  c.preferredWidth,
		PreferredHeight: c.preferredHeight,
	}
	c.mu.Unlock()

	// 新しいストリームを要求する前に前のストリームを解放する
	if prev != nil {
		prev.Stop()
	}

	c.logger.Debug("カメラを取得しています", "facing", cons.Facing, "generation", gen)
	stream, err := c.request(ctx, cons)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		if stream != nil {
			stream.Stop()
			c.logger.Info("古い取得要求のストリームを破棄しました", "stream", stream.ID(), "generation", gen)
		}
		return ErrSuperseded
	}
	defer c.mu.Unlock()

	if err != nil {
		c.state = StateDenied
		c.permission = PermissionDenied
		c.status = "カメラにアクセスできません。権限を確認して再試行してください"
		c.logger.Warn("カメラの取得に失敗しました", "facing", cons.Facing, "error", err)
		return err
	}

	c.stream = stream
	c.state = StateLive
	c.permission = PermissionGranted
	c.status = ""
	c.logger.Info("カメラを取得しました", "facing", cons.Facing, "stream", stream.ID())
	return nil
}

// request は希望解像度付きで要求し、失敗したら既定の条件で要求し直す
func (c *Controller) request(ctx context.Context, cons camera.Constraints) (camera.Stream, error) {
	stream, err := c.requestOnce(ctx, cons)
	if err == nil {
		return stream, nil
	}
	c.logger.Info("既定の条件で再要求します", "error", err)

	stream, err = c.requestOnce(ctx, cons.Degraded())
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, camera.ErrMediaAccess) {
		err = fmt.Errorf("%w: %v", camera.ErrMediaAccess, err)
	}
	return nil, err
}

func (c *Controller) requestOnce(ctx context.Context, cons camera.Constraints) (camera.Stream, error) {
	if c.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.acquireTimeout)
		defer cancel()
	}
	return c.source.RequestStream(ctx, cons)
}

// Capture は現在のフレームを撮影し、命名して保存先に渡す
func (c *Controller) Capture(ctx context.Context) (*Artifact, error) {
	c.mu.Lock()
	stream := c.stream
	mirror := c.facing == camera.FacingFront
	quality := c.quality
	if stream == nil || c.state != StateLive {
		c.status = "カメラが準備できていません"
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: ストリームがありません", ErrNotReady)
	}
	if err := c.checkItemLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	img, err := stream.Frame(ctx)
	if errors.Is(err, camera.ErrMediaAccess) {
		c.streamLost(stream)
		return nil, err
	}
	if err != nil {
		return nil, c.encodingFailed(err)
	}
	data, err := c.encoder.Encode(img, mirror, quality)
	if err != nil {
		return nil, c.encodingFailed(err)
	}

	return c.finish(ctx, data)
}

// streamLost は終了したストリームを手放し、再試行を待つ状態にする
//
// 既に別のストリームに置き換わっている場合は何もしない。
func (c *Controller) streamLost(stream camera.Stream) {
	c.mu.Lock()
	if c.stream != stream {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.stream = nil
	c.state = StateDenied
	c.status = "カメラとの接続が切れました。再試行してください"
	c.mu.Unlock()

	stream.Stop()
	c.logger.Warn("ストリームが終了しました", "stream", stream.ID())
}

// CaptureFromFile は既存の画像ファイルを撮影結果として扱う (ライブプレビューが使えない場合)
//
// JPEG以外の画像はJPEGに変換する。
func (c *Controller) CaptureFromFile(ctx context.Context, data []byte) (*Artifact, error) {
	c.mu.Lock()
	quality := c.quality
	if err := c.checkItemLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, c.encodingFailed(err)
	}
	if format != "jpeg" {
		data, err = c.encoder.Encode(img, false, quality)
		if err != nil {
			return nil, c.encodingFailed(err)
		}
	}

	return c.finish(ctx, data)
}

// checkItemLocked はアイテム必須時の未入力を検出する（ロック済み前提）
func (c *Controller) checkItemLocked() error {
	if c.requireItem && c.item == "" {
		c.status = "先にアイテム番号を入力してください"
		return fmt.Errorf("%w: アイテムが未入力です", ErrNotReady)
	}
	return nil
}

func (c *Controller) encodingFailed(err error) error {
	c.mu.Lock()
	c.status = "撮影に失敗しました"
	c.mu.Unlock()
	c.logger.Warn("撮影に失敗しました", "error", err)
	return fmt.Errorf("%w: %w", ErrEncoding, err)
}

// finish は連番を採番・コミットし、最終撮影を更新して保存先に渡す
func (c *Controller) finish(ctx context.Context, data []byte) (*Artifact, error) {
	c.mu.Lock()
	ns := c.namespaceLocked()
	seq := c.alloc.PeekNext(ctx, ns)
	filename := sequence.GenerateFilename(ns, c.naming, seq)

	// 保存より先にコミットし、再起動後に同じ名前を出さない
	if err := c.alloc.Commit(ctx, ns, seq); err != nil {
		c.logger.Warn("連番の永続化に失敗しました", "namespace", ns, "sequence", seq, "error", err)
	}

	art := &Artifact{
		ID:         ulid.Make().String(),
		Filename:   filename,
		Namespace:  ns,
		Sequence:   seq,
		CapturedAt: time.Now(),
		Image:      data,
	}
	c.last = art
	c.nextSeq = c.alloc.PeekNext(ctx, ns)
	c.status = "保存しました: " + filename
	c.mu.Unlock()

	c.persistLast(ctx, art)
	c.sink.Save(data, filename)
	if c.onFlash != nil {
		c.onFlash(FlashDuration)
	}

	c.logger.Info("撮影しました", "filename", filename, "sequence", seq, "bytes", len(data))
	return art, nil
}

// persistLast は最終撮影を保存する。失敗はログのみ
func (c *Controller) persistLast(ctx context.Context, art *Artifact) {
	if err := c.store.Set(ctx, KeyLastImage, art.DataURI()); err != nil {
		c.logger.Warn("最終撮影画像の永続化に失敗しました", "error", err)
	}
	if err := c.store.Set(ctx, KeyLastFilename, art.Filename); err != nil {
		c.logger.Warn("最終撮影ファイル名の永続化に失敗しました", "error", err)
	}
}

// SetItem はアイテム番号を設定する。空文字列でアイテム指定を解除する
//
// ファイル名に使えないアイテム番号は ErrInvalidItem で拒否し、状態を変えない。
func (c *Controller) SetItem(ctx context.Context, item string) error {
	item, err := sequence.NormalizeItem(item)
	if err != nil {
		c.mu.Lock()
		c.status = "アイテム番号に使えない文字が含まれています"
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.item = item
	c.nextSeq = c.alloc.PeekNext(ctx, c.namespaceLocked())
	if err := c.store.Set(ctx, KeyCurrentItem, item); err != nil {
		c.logger.Warn("アイテムの永続化に失敗しました", "error", err)
	}
	return nil
}

// SetNaming は命名規則を設定する
func (c *Controller) SetNaming(policy sequence.NamingPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.naming = policy
}

// SetQuality はJPEG品質 (1-100) を設定する
func (c *Controller) SetQuality(quality int) error {
	if quality < 1 || quality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", quality)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quality = quality
	return nil
}

// SetNextSequence は手入力された次の連番を設定する。不正な値は状態を変えない
func (c *Controller) SetNextSequence(ctx context.Context, text string) error {
	n, err := sequence.ParseOverride(text)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ns := c.namespaceLocked()
	if err := c.alloc.SetOverride(ctx, ns, n); err != nil {
		if !errors.Is(err, store.ErrPersistence) {
			return err
		}
		c.logger.Warn("連番の永続化に失敗しました", "namespace", ns, "error", err)
	}
	c.nextSeq = c.alloc.PeekNext(ctx, ns)
	return nil
}

// ResetSequence は次の連番を1に戻す
func (c *Controller) ResetSequence(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := c.namespaceLocked()
	if err := c.alloc.Reset(ctx, ns); err != nil {
		c.logger.Warn("連番の永続化に失敗しました", "namespace", ns, "error", err)
	}
	c.nextSeq = c.alloc.PeekNext(ctx, ns)
}

// NextFilename は次の撮影で使うファイル名を返す。アイテム必須で未入力なら空
func (c *Controller) NextFilename() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextFilenameLocked()
}

func (c *Controller) nextFilenameLocked() string {
	if c.requireItem && c.item == "" {
		return ""
	}
	return sequence.GenerateFilename(c.namespaceLocked(), c.naming, c.nextSeq)
}

// namespaceLocked は現在の名前空間を返す（ロック済み前提）
func (c *Controller) namespaceLocked() string {
	if c.item == "" {
		return sequence.Global
	}
	return c.item
}

// State は現在の状態のコピーを返す
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		ID:                   c.id,
		State:                c.state,
		Permission:           c.permission,
		Facing:               c.facing,
		LivePreviewAvailable: c.state == StateLive,
		Item:                 c.item,
		RequireItem:          c.requireItem,
		Naming:               c.naming,
		Quality:              c.quality,
		NextSequence:         c.nextSeq,
		NextFilename:         c.nextFilenameLocked(),
		Status:               c.status,
	}
	if c.stream != nil {
		s.StreamID = c.stream.ID()
	}
	if c.last != nil {
		s.LastFilename = c.last.Filename
	}
	return s
}

// LastCaptured は最終撮影を返す。無ければ nil
func (c *Controller) LastCaptured() *Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	a := *c.last
	return &a
}

// PreviewFrame はプレビュー用のJPEGを返す。前面カメラは鏡像で表示する
func (c *Controller) PreviewFrame(ctx context.Context, quality int) ([]byte, error) {
	c.mu.Lock()
	stream := c.stream
	mirror := c.facing == camera.FacingFront
	c.mu.Unlock()

	if stream == nil {
		return nil, ErrNotReady
	}
	img, err := stream.Frame(ctx)
	if errors.Is(err, camera.ErrMediaAccess) {
		c.streamLost(stream)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return c.encoder.Encode(img, mirror, quality)
}
