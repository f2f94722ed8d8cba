package session

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"renban/internal/camera"
	"renban/internal/store"
)

// pendingRequest はブロック中の取得要求
type pendingRequest struct {
	constraints camera.Constraints
	resp        chan error
}

// mockSource はテスト用のMediaSource
type mockSource struct {
	mu        sync.Mutex
	requests  []camera.Constraints
	streams   []*mockStream
	failFirst int  // 先頭から何回失敗させるか
	failAll   bool // 全ての要求を失敗させる
	frame     image.Image
	frameErr  error

	// block が真の場合、要求は pending に送られ resp で解決される
	block   bool
	pending chan *pendingRequest
}

func newMockSource() *mockSource {
	return &mockSource{
		frame:   testFrame(8, 4),
		pending: make(chan *pendingRequest, 8),
	}
}

func (s *mockSource) RequestStream(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, c)
	n := len(s.requests)
	fail := s.failAll || n <= s.failFirst
	block := s.block
	s.mu.Unlock()

	if block {
		p := &pendingRequest{constraints: c, resp: make(chan error, 1)}
		s.pending <- p
		select {
		case err := <-p.resp:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if fail {
		return nil, fmt.Errorf("%w: mock request %d", camera.ErrMediaAccess, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := &mockStream{id: fmt.Sprintf("stream-%d", len(s.streams)+1), source: s, facing: c.Facing}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *mockSource) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *mockSource) request(i int) camera.Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// activeStreams は停止されていないストリームを返す
func (s *mockSource) activeStreams() []*mockStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mockStream
	for _, st := range s.streams {
		if !st.stopped {
			out = append(out, st)
		}
	}
	return out
}

func (s *mockSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.streams {
		n += st.stops
	}
	return n
}

func (s *mockSource) streamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// mockStream はテスト用のStream
type mockStream struct {
	id      string
	source  *mockSource
	facing  camera.FacingMode
	stopped bool
	stops   int
}

func (m *mockStream) ID() string { return m.id }

func (m *mockStream) Frame(context.Context) (image.Image, error) {
	m.source.mu.Lock()
	defer m.source.mu.Unlock()
	if m.stopped {
		return nil, camera.ErrStreamClosed
	}
	if m.source.frameErr != nil {
		return nil, m.source.frameErr
	}
	return m.source.frame, nil
}

func (m *mockStream) Stop() {
	m.source.mu.Lock()
	defer m.source.mu.Unlock()
	if !m.stopped {
		m.stops++
	}
	m.stopped = true
}

// recordingEncoder はエンコード要求を記録する
type recordingEncoder struct {
	mu      sync.Mutex
	mirror  []bool
	bounds  []image.Rectangle
	quality []int
	err     error
}

func (e *recordingEncoder) Encode(img image.Image, mirror bool, quality int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.mirror = append(e.mirror, mirror)
	e.bounds = append(e.bounds, img.Bounds())
	e.quality = append(e.quality, quality)
	return []byte(fmt.Sprintf("jpeg:%dx%d:mirror=%v", img.Bounds().Dx(), img.Bounds().Dy(), mirror)), nil
}

// recordingSink は保存要求を記録する
type recordingSink struct {
	mu    sync.Mutex
	names []string
	data  [][]byte
}

func (s *recordingSink) Save(encodedImage []byte, filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, filename)
	s.data = append(s.data, encodedImage)
}

func (s *recordingSink) filenames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// failingStore は書き込みを常に拒否するストア
type failingStore struct {
	*store.MemoryStore
}

func (f *failingStore) Set(context.Context, string, string) error {
	return fmt.Errorf("%w: quota exceeded", store.ErrPersistence)
}

func testFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 60), A: 255})
		}
	}
	return img
}
