package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"renban/internal/logging"
)

// ErrNoFrame はまだフレームを受信していないことを表す
var ErrNoFrame = errors.New("フレームがまだ取得されていません")

// ErrStreamClosed は停止済み、またはffmpegが終了したストリームを表す
var ErrStreamClosed = fmt.Errorf("%w: ストリームは終了しています", ErrMediaAccess)

// V4L2Config はV4L2Sourceの設定
type V4L2Config struct {
	FrontDevice string // 前面カメラのデバイスパス
	BackDevice  string // 背面カメラのデバイスパス
	FPS         int    // プレビューのフレームレート
}

// V4L2Source は向きごとのV4L2デバイスを MediaSource として扱う
type V4L2Source struct {
	config    V4L2Config
	discovery Discovery
	logger    *slog.Logger
}

// NewV4L2Source は新しいV4L2Sourceを作成する
func NewV4L2Source(config V4L2Config, discovery Discovery, logger *slog.Logger) *V4L2Source {
	if config.FPS <= 0 {
		config.FPS = 15
	}
	return &V4L2Source{
		config:    config,
		discovery: discovery,
		logger:    logging.Module(logger, "camera"),
	}
}

// RequestStream は条件に合うデバイスでストリーミングを開始する
func (s *V4L2Source) RequestStream(ctx context.Context, c Constraints) (Stream, error) {
	device, err := s.resolveDevice(ctx, c.Facing)
	if err != nil {
		return nil, err
	}

	width, height := 0, 0
	if c.HasResolutionHint() {
		width, height = c.PreferredWidth, c.PreferredHeight
	}
	capturer := NewV4L2Capturer(device, width, height, s.config.FPS, s.logger)

	// デバイステストを実行
	if err := capturer.TestCapture(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMediaAccess, device, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	frames := make(chan []byte, 4)
	done, err := capturer.StartStream(streamCtx, frames)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	st := &v4l2Stream{
		id:     uuid.NewString(),
		device: device,
		cancel: cancel,
		done:   done,
	}
	st.wg.Add(1)
	go st.keepLatest(streamCtx, frames)

	s.logger.Info("ストリームを開始しました", "device", device, "stream", st.id, "width", width, "height", height)
	return st, nil
}

// resolveDevice は向きからデバイスパスを決める。向き指定なしは最初に見つかったデバイス
func (s *V4L2Source) resolveDevice(ctx context.Context, facing FacingMode) (string, error) {
	var device string
	switch facing {
	case FacingFront:
		device = s.config.FrontDevice
	case FacingBack:
		device = s.config.BackDevice
	default:
		devices, err := s.discovery.ScanDevices(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMediaAccess, err)
		}
		if len(devices) == 0 {
			return "", fmt.Errorf("%w: カメラデバイスが見つかりません", ErrMediaAccess)
		}
		device = devices[0]
	}

	if device == "" || !s.discovery.IsDeviceAvailable(ctx, device) {
		return "", fmt.Errorf("%w: デバイスが利用できません: %q", ErrMediaAccess, device)
	}
	return device, nil
}

// v4l2Stream は最新フレームを保持するストリーム
type v4l2Stream struct {
	id     string
	device string
	cancel context.CancelFunc
	done   <-chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	latest []byte

	stopped  atomic.Bool
	stopOnce sync.Once
}

func (s *v4l2Stream) ID() string { return s.id }

// keepLatest は受信したフレームのうち最新のものだけを保持する
func (s *v4l2Stream) keepLatest(ctx context.Context, frames <-chan []byte) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame := <-frames:
			s.mu.Lock()
			s.latest = frame
			s.mu.Unlock()
		}
	}
}

// closed はStop済みか、ffmpegが終了していれば真を返す
func (s *v4l2Stream) closed() bool {
	if s.stopped.Load() {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Frame は最新フレームをデコードして返す
//
// 終了したストリームは古いフレームを返さず ErrStreamClosed を返す。
func (s *v4l2Stream) Frame(_ context.Context) (image.Image, error) {
	if s.closed() {
		return nil, ErrStreamClosed
	}

	s.mu.RLock()
	data := s.latest
	s.mu.RUnlock()

	if data == nil {
		return nil, ErrNoFrame
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}
	return img, nil
}

// Stop はffmpegを停止し、ゴルーチンの終了を待つ
func (s *v4l2Stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.cancel()
		s.wg.Wait()
		<-s.done
	})
}
