package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// V4L2Capturer はffmpegを使ってV4L2デバイスから画像を取得する
type V4L2Capturer struct {
	devicePath string
	width      int // 0なら解像度を指定しない
	height     int
	fps        int
	logger     *slog.Logger

	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewV4L2Capturer は新しいV4L2Capturerを作成する
func NewV4L2Capturer(devicePath string, width, height, fps int, logger *slog.Logger) *V4L2Capturer {
	return &V4L2Capturer{
		devicePath: devicePath,
		width:      width,
		height:     height,
		fps:        fps,
		logger:     logger,
		command:    exec.CommandContext,
	}
}

// inputArgs はffmpegの入力引数を組み立てる
func (c *V4L2Capturer) inputArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if c.width > 0 && c.height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.width, c.height))
	}
	if c.fps > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.fps))
	}
	return append(args, "-i", c.devicePath)
}

// CaptureFrame は1フレームをキャプチャして画像として返す
func (c *V4L2Capturer) CaptureFrame(ctx context.Context) (image.Image, error) {
	args := append(c.inputArgs(), "-vframes", "1", "-f", "image2", "-c:v", "mjpeg", "-q:v", "2", "-")
	cmd := c.command(ctx, "ffmpeg", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("フレームキャプチャに失敗: %w (stderr: %s)", err, stderr.String())
	}

	img, err := jpeg.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}
	return img, nil
}

// TestCapture はデバイスが実際にフレームを返すか確認する
func (c *V4L2Capturer) TestCapture(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := c.CaptureFrame(testCtx)
	return err
}

// StartStream は連続キャプチャを開始し、ctx がキャンセルされるまでフレームを送り続ける
//
// 戻り値のチャンネルはffmpegの終了後にクローズされる。
func (c *V4L2Capturer) StartStream(ctx context.Context, frameChan chan<- []byte) (<-chan struct{}, error) {
	args := append(c.inputArgs(), "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-")
	cmd := c.command(ctx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	// stderrはログに流す。Wait はパイプを閉じるので読み終わるまで呼ばない
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			c.logger.Debug("ffmpeg", "device", c.devicePath, "line", sc.Text())
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)

		if err := readFrames(ctx, stdout, frameChan); err != nil {
			c.logger.Warn("フレーム読み取りエラー", "device", c.devicePath, "error", err)
		}

		stderrWG.Wait()
		_ = cmd.Wait() // コンテキストキャンセル時のエラーは無視
	}()

	return done, nil
}

// readFrames はMJPEGバイト列をJPEG単位に分割して送信する
func readFrames(ctx context.Context, r io.Reader, frameChan chan<- []byte) error {
	buffer := make([]byte, 256*1024)
	var pending []byte

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)

			var frames [][]byte
			frames, pending = splitJPEGFrames(pending)
			for _, frame := range frames {
				select {
				case frameChan <- frame:
				case <-ctx.Done():
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// splitJPEGFrames はバッファから完全なJPEGフレームを取り出し、残りを返す
func splitJPEGFrames(data []byte) (frames [][]byte, rest []byte) {
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// 開始マーカーが見つからないデータは捨てる。分割された0xFFだけ残す
			if len(data) > 0 && data[len(data)-1] == jpegSOI[0] {
				return frames, []byte{jpegSOI[0]}
			}
			return frames, nil
		}

		end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
		if end == -1 {
			rest = make([]byte, len(data)-start)
			copy(rest, data[start:])
			return frames, rest
		}

		end += start + len(jpegSOI) + len(jpegEOI)
		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)
		data = data[end:]
	}
}
