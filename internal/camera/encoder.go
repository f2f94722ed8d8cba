package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// DefaultJPEGQuality は既定のJPEG品質 (0.92相当)
const DefaultJPEGQuality = 92

// ErrEmptyFrame はエンコード対象のフレームが無いことを表す
var ErrEmptyFrame = errors.New("フレームが空です")

// JPEGEncoder は Encoder のJPEG実装
type JPEGEncoder struct{}

// NewJPEGEncoder は新しいJPEGEncoderを作成する
func NewJPEGEncoder() *JPEGEncoder {
	return &JPEGEncoder{}
}

// Encode はフレームをネイティブ解像度のままJPEGにエンコードする
func (e *JPEGEncoder) Encode(img image.Image, mirror bool, quality int) ([]byte, error) {
	surface, err := Render(img, mirror)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, surface, &jpeg.Options{Quality: ClampQuality(quality)}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// Render はフレームと同じ大きさの描画面にフレームを描く。mirror が真なら左右反転する
func Render(img image.Image, mirror bool) (*image.RGBA, error) {
	if img == nil {
		return nil, ErrEmptyFrame
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, ErrEmptyFrame
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if !mirror {
		xdraw.Copy(dst, image.Point{}, img, b, xdraw.Src, nil)
		return dst, nil
	}

	// x' = (minX + width) - x, y' = y - minY
	s2d := f64.Aff3{
		-1, 0, float64(b.Min.X + b.Dx()),
		0, 1, float64(-b.Min.Y),
	}
	xdraw.NearestNeighbor.Transform(dst, s2d, img, b, xdraw.Src, nil)
	return dst, nil
}

// ClampQuality は品質を1-100に丸める
func ClampQuality(q int) int {
	switch {
	case q <= 0:
		return DefaultJPEGQuality
	case q > 100:
		return 100
	default:
		return q
	}
}
