package camera

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeJPEG(payload ...byte) []byte {
	out := append([]byte{0xFF, 0xD8}, payload...)
	return append(out, 0xFF, 0xD9)
}

// TestSplitJPEGFrames はJPEGフレームの分割をテストする
func TestSplitJPEGFrames(t *testing.T) {
	a := fakeJPEG(1, 2, 3)
	b := fakeJPEG(4, 5)

	data := append([]byte{0x00, 0x01}, a...)
	data = append(data, b...)
	data = append(data, 0xFF, 0xD8, 9) // 途中のフレーム

	frames, rest := splitJPEGFrames(data)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
	assert.Equal(t, []byte{0xFF, 0xD8, 9}, rest)
}

// TestSplitJPEGFramesKeepsSplitMarker は途中で切れたマーカーを保持することをテストする
func TestSplitJPEGFramesKeepsSplitMarker(t *testing.T) {
	frames, rest := splitJPEGFrames([]byte{0x10, 0xFF})
	assert.Empty(t, frames)
	assert.Equal(t, []byte{0xFF}, rest)

	frames, rest = splitJPEGFrames([]byte{0x10, 0x11})
	assert.Empty(t, frames)
	assert.Empty(t, rest)
}

// TestReadFrames はフレームの読み取りをテストする
func TestReadFrames(t *testing.T) {
	a := fakeJPEG(1)
	b := fakeJPEG(2, 2)
	c := fakeJPEG(3, 3, 3)
	stream := bytes.Join([][]byte{a, b, c}, nil)

	frameChan := make(chan []byte, 3)
	err := readFrames(context.Background(), bytes.NewReader(stream), frameChan)
	require.NoError(t, err)
	close(frameChan)

	var got [][]byte
	for f := range frameChan {
		got = append(got, f)
	}
	assert.Equal(t, [][]byte{a, b, c}, got)
}

// TestReadFramesStopsOnCancel はキャンセルによる読み取りの停止をテストする
func TestReadFramesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 受信側がいなくてもキャンセルで抜ける
	frameChan := make(chan []byte)
	err := readFrames(ctx, bytes.NewReader(fakeJPEG(1)), frameChan)
	assert.NoError(t, err)
}

// TestV4L2CapturerInputArgs はffmpegの入力引数をテストする
func TestV4L2CapturerInputArgs(t *testing.T) {
	withHint := NewV4L2Capturer("/dev/video0", 1920, 1080, 15, nil)
	assert.Contains(t, withHint.inputArgs(), "1920x1080")

	bare := NewV4L2Capturer("/dev/video0", 0, 0, 0, nil)
	args := bare.inputArgs()
	assert.NotContains(t, args, "-video_size")
	assert.NotContains(t, args, "-framerate")
	assert.Equal(t, "/dev/video0", args[len(args)-1])
}

// TestV4L2SourceUnavailableDevice は利用できないデバイスの扱いをテストする
func TestV4L2SourceUnavailableDevice(t *testing.T) {
	ctx := context.Background()

	src := NewV4L2Source(V4L2Config{FrontDevice: "/dev/video0", BackDevice: "/dev/video2"},
		NewMockDiscovery([]string{"/dev/video0"}), nil)
	_, err := src.RequestStream(ctx, Constraints{Facing: FacingBack})
	assert.ErrorIs(t, err, ErrMediaAccess)

	none := NewV4L2Source(V4L2Config{}, NewMockDiscovery(nil), nil)
	_, err = none.RequestStream(ctx, Constraints{})
	assert.ErrorIs(t, err, ErrMediaAccess)
}

// TestV4L2SourceResolveDevice は向きからのデバイスの決定をテストする
func TestV4L2SourceResolveDevice(t *testing.T) {
	ctx := context.Background()
	src := NewV4L2Source(V4L2Config{FrontDevice: "/dev/video0", BackDevice: "/dev/video2"},
		NewMockDiscovery([]string{"/dev/video2", "/dev/video0"}), nil)

	d, err := src.resolveDevice(ctx, FacingFront)
	require.NoError(t, err)
	assert.Equal(t, "/dev/video0", d)

	d, err = src.resolveDevice(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "/dev/video2", d)
}

func encodedJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 2)), nil))
	return buf.Bytes()
}

// TestV4L2StreamFrame は最新フレームの取得とffmpeg終了後の扱いをテストする
func TestV4L2StreamFrame(t *testing.T) {
	ctx := context.Background()
	done := make(chan struct{})
	st := &v4l2Stream{id: "s1", cancel: func() {}, done: done}

	_, err := st.Frame(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)

	st.latest = encodedJPEG(t)
	img, err := st.Frame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	// ffmpegが終了したら保持中のフレームは返さない
	close(done)
	_, err = st.Frame(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.ErrorIs(t, err, ErrMediaAccess)
}

// TestV4L2StreamFrameAfterStop は停止後のフレーム取得をテストする
func TestV4L2StreamFrameAfterStop(t *testing.T) {
	ctx := context.Background()
	done := make(chan struct{})
	cancels := 0
	st := &v4l2Stream{
		id:     "s1",
		cancel: func() { cancels++; close(done) },
		done:   done,
		latest: encodedJPEG(t),
	}

	_, err := st.Frame(ctx)
	require.NoError(t, err)

	st.Stop()
	st.Stop()
	assert.Equal(t, 1, cancels)

	_, err = st.Frame(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

// TestStartStreamLogsTrailingStderr は終了直前のffmpegのエラー出力も記録されることをテストする
func TestStartStreamLogsTrailingStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh が見つかりません")
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewV4L2Capturer("/dev/video0", 0, 0, 0, logger)
	c.command = func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", `printf '\377\330\001\377\331'; echo "device lost" >&2`)
	}

	frames := make(chan []byte, 4)
	done, err := c.StartStream(context.Background(), frames)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("プロセスが終了しませんでした")
	}

	assert.Equal(t, fakeJPEG(1), <-frames)
	// done のクローズ時点でstderrは読み終わっている
	assert.Contains(t, logs.String(), "device lost")
}
