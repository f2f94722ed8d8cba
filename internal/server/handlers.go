package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"renban/internal/camera"
	"renban/internal/config"
	"renban/internal/sequence"
	"renban/internal/session"
)

const (
	previewInterval = 100 * time.Millisecond // 約10fps
	previewQuality  = 70
	maxUploadBytes  = 32 << 20
)

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェック応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status      string           `json:"status"`
	Server      ServerInfo       `json:"server"`
	Session     session.Snapshot `json:"session"`
	DownloadDir string           `json:"download_dir"`
	Timestamp   time.Time        `json:"timestamp"`
}

// CaptureResponse は撮影結果の応答
type CaptureResponse struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	Namespace    string    `json:"namespace,omitempty"`
	Sequence     int       `json:"sequence"`
	Bytes        int       `json:"bytes"`
	CapturedAt   time.Time `json:"captured_at"`
	NextFilename string    `json:"next_filename,omitempty"`
}

// LastResponse は最終撮影の応答 (format=datauri)
type LastResponse struct {
	Filename string `json:"filename"`
	DataURI  string `json:"data_uri"`
}

// SequenceResponse は連番の応答
type SequenceResponse struct {
	Namespace    string `json:"namespace"`
	NextSequence int    `json:"next_sequence"`
	NextFilename string `json:"next_filename,omitempty"`
}

// SequenceRequest は次の連番の手動設定要求
//
// 手入力の文字列と数値のどちらも受け付ける。
type SequenceRequest struct {
	Next any `json:"next"`
}

// ItemRequest はアイテム番号の設定要求
type ItemRequest struct {
	Item string `json:"item"`
}

// FacingRequest はカメラの向きの設定要求
type FacingRequest struct {
	Facing string `json:"facing" binding:"required"`
}

// QualityRequest はJPEG品質の設定要求
type QualityRequest struct {
	Quality int `json:"quality" binding:"required"`
}

// DeviceResponse はデバイス一覧の応答
type DeviceResponse struct {
	Devices []camera.DeviceInfo `json:"devices"`
}

// Handler はHTTPハンドラの実装
type Handler struct {
	config    *config.Config
	ctrl      *session.Controller
	discovery camera.Discovery
	saveDir   string
	logger    *slog.Logger
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Session:     h.ctrl.State(),
		DownloadDir: h.saveDir,
		Timestamp:   time.Now(),
	})
}

// acquireContext はクライアント切断で取得要求が取り消されないコンテキストを返す
//
// 切断による取り消しを権限拒否と区別できないため。
func acquireContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// StartSession はカメラを取得する
func (h *Handler) StartSession(c *gin.Context) {
	h.respondSession(c, h.ctrl.Start(acquireContext(c)))
}

// RetrySession は拒否後などにカメラを取得し直す
func (h *Handler) RetrySession(c *gin.Context) {
	h.respondSession(c, h.ctrl.Retry(acquireContext(c)))
}

// ToggleFacing は前面/背面を切り替える
func (h *Handler) ToggleFacing(c *gin.Context) {
	h.respondSession(c, h.ctrl.ToggleFacingMode(acquireContext(c)))
}

// SetFacing は向きを指定して取得し直す
func (h *Handler) SetFacing(c *gin.Context) {
	var req FacingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid_request", err.Error())
		return
	}
	facing, err := camera.ParseFacingMode(req.Facing)
	if err != nil {
		h.badRequest(c, "invalid_facing", err.Error())
		return
	}
	h.respondSession(c, h.ctrl.SetFacingMode(acquireContext(c), facing))
}

// respondSession は取得結果に応じて状態を返す
func (h *Handler) respondSession(c *gin.Context, err error) {
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctrl.State())
}

// Capture は現在のフレームを撮影する
func (h *Handler) Capture(c *gin.Context) {
	art, err := h.ctrl.Capture(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.captureResponse(art))
}

// CaptureFile はアップロードされた画像を撮影結果として扱う
//
// multipart の file フィールド、または本文そのものを画像として受け付ける。
func (h *Handler) CaptureFile(c *gin.Context) {
	data, err := h.readUpload(c)
	if err != nil {
		h.badRequest(c, "invalid_upload", err.Error())
		return
	}

	art, err := h.ctrl.CaptureFromFile(c.Request.Context(), data)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.captureResponse(art))
}

func (h *Handler) readUpload(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("アップロードファイルを開けません: %w", err)
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, fmt.Errorf("本文の読み込みに失敗: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("画像がありません")
	}
	return data, nil
}

func (h *Handler) captureResponse(art *session.Artifact) CaptureResponse {
	return CaptureResponse{
		ID:           art.ID,
		Filename:     art.Filename,
		Namespace:    art.Namespace,
		Sequence:     art.Sequence,
		Bytes:        len(art.Image),
		CapturedAt:   art.CapturedAt,
		NextFilename: h.ctrl.NextFilename(),
	}
}

// GetLast は最終撮影画像を返す
func (h *Handler) GetLast(c *gin.Context) {
	last := h.ctrl.LastCaptured()
	if last == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "no_capture",
			Message:   "まだ撮影されていません",
			Timestamp: time.Now(),
		})
		return
	}

	if c.Query("format") == "datauri" {
		c.JSON(http.StatusOK, LastResponse{Filename: last.Filename, DataURI: last.DataURI()})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", last.Filename))
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", last.Image)
}

// GetSequence は次の連番を返す
func (h *Handler) GetSequence(c *gin.Context) {
	c.JSON(http.StatusOK, h.sequenceResponse())
}

// SetSequence は次の連番を手動で設定する
func (h *Handler) SetSequence(c *gin.Context) {
	var req SequenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid_request", err.Error())
		return
	}

	text := ""
	if req.Next != nil {
		text = fmt.Sprint(req.Next)
	}
	if err := h.ctrl.SetNextSequence(c.Request.Context(), text); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sequenceResponse())
}

// ResetSequence は次の連番を1に戻す
func (h *Handler) ResetSequence(c *gin.Context) {
	h.ctrl.ResetSequence(c.Request.Context())
	c.JSON(http.StatusOK, h.sequenceResponse())
}

func (h *Handler) sequenceResponse() SequenceResponse {
	s := h.ctrl.State()
	return SequenceResponse{
		Namespace:    s.Item,
		NextSequence: s.NextSequence,
		NextFilename: s.NextFilename,
	}
}

// SetItem はアイテム番号を設定する
func (h *Handler) SetItem(c *gin.Context) {
	var req ItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := h.ctrl.SetItem(c.Request.Context(), req.Item); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sequenceResponse())
}

// SetNaming は命名規則を設定する
func (h *Handler) SetNaming(c *gin.Context) {
	var policy sequence.NamingPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		h.badRequest(c, "invalid_request", err.Error())
		return
	}
	h.ctrl.SetNaming(policy)
	c.JSON(http.StatusOK, h.sequenceResponse())
}

// SetQuality はJPEG品質を設定する
func (h *Handler) SetQuality(c *gin.Context) {
	var req QualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := h.ctrl.SetQuality(req.Quality); err != nil {
		h.badRequest(c, "invalid_quality", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.ctrl.State())
}

// GetDevices は利用可能なカメラデバイスを返す
func (h *Handler) GetDevices(c *gin.Context) {
	if h.discovery == nil {
		c.JSON(http.StatusOK, DeviceResponse{Devices: []camera.DeviceInfo{}})
		return
	}

	ctx := c.Request.Context()
	devices, err := h.discovery.ScanDevices(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}

	infos := make([]camera.DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		info, err := h.discovery.GetDeviceInfo(ctx, dev)
		if err != nil {
			h.logger.Warn("デバイス情報の取得に失敗しました", "device", dev, "error", err)
			continue
		}
		infos = append(infos, *info)
	}
	c.JSON(http.StatusOK, DeviceResponse{Devices: infos})
}

// GetPreview はライブプレビューをMJPEGで配信する
func (h *Handler) GetPreview(c *gin.Context) {
	ctx := c.Request.Context()

	// 最初のフレームが取れなければ通常のエラーとして返す
	frame, err := h.ctrl.PreviewFrame(ctx, previewQuality)
	if err != nil {
		h.respondError(c, err)
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	ticker := time.NewTicker(previewInterval)
	defer ticker.Stop()

	for {
		if frame != nil {
			if err := writeMJPEGPart(writer, frame); err != nil {
				return
			}
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			// クライアントが切断された
			return
		case <-ticker.C:
		}

		frame, err = h.ctrl.PreviewFrame(ctx, previewQuality)
		if errors.Is(err, session.ErrNotReady) || errors.Is(err, camera.ErrMediaAccess) {
			// ストリームが解放または終了した
			return
		}
		if err != nil {
			h.logger.Debug("プレビューフレームを取得できませんでした", "error", err)
			frame = nil
		}
	}
}

// writeMJPEGPart はMJPEGの1パートを書き込む
func writeMJPEGPart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// HandleRoot はルートパスのハンドラ
func (h *Handler) HandleRoot(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>Renban - 連番撮影</title>
</head>
<body>
    <h1>Renban 連番撮影</h1>
    <p><img src="/api/preview" alt="プレビュー" style="max-width:100%"></p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>最終撮影: <a href="/api/last">/api/last</a></p>
</body>
</html>`))
}

// ヘルパー関数

func (h *Handler) badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// respondError はエラーを対応するステータスコードに変換して返す
func (h *Handler) respondError(c *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("リクエストの処理に失敗しました", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, sequence.ErrInvalidSequence):
		return http.StatusBadRequest, "invalid_sequence"
	case errors.Is(err, sequence.ErrInvalidItem):
		return http.StatusBadRequest, "invalid_item"
	case errors.Is(err, camera.ErrMediaAccess):
		return http.StatusServiceUnavailable, "media_access_denied"
	case errors.Is(err, session.ErrEncoding):
		return http.StatusUnprocessableEntity, "encoding_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
