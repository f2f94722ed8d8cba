package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"renban/internal/camera"
	"renban/internal/config"
	"renban/internal/logging"
	"renban/internal/session"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	handler    *Handler
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// Options はServerの依存関係
type Options struct {
	Discovery camera.Discovery // nil の場合デバイス一覧は空
	SaveDir   string           // 状態表示用の保存先
	Logger    *slog.Logger
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, ctrl *session.Controller, opts Options) *Server {
	logger := logging.Module(opts.Logger, "server")

	s := &Server{
		config: cfg,
		handler: &Handler{
			config:    cfg,
			ctrl:      ctrl,
			discovery: opts.Discovery,
			saveDir:   opts.SaveDir,
			logger:    logger,
		},
		engine: gin.New(),
		logger: logger,
	}
	s.engine.Use(gin.Recovery(), requestLogger(logger))
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := s.handler

	s.engine.GET("/", h.HandleRoot)
	s.engine.GET("/health", h.HealthCheck)

	api := s.engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/devices", h.GetDevices)
	api.GET("/preview", h.GetPreview)
	api.GET("/last", h.GetLast)

	// セッション
	api.POST("/session/start", h.StartSession)
	api.POST("/session/retry", h.RetrySession)
	api.POST("/session/toggle", h.ToggleFacing)
	api.PUT("/session/facing", h.SetFacing)

	// 撮影
	api.POST("/capture", h.Capture)
	api.POST("/capture/file", h.CaptureFile)

	// 連番と命名
	api.GET("/sequence", h.GetSequence)
	api.PUT("/sequence", h.SetSequence)
	api.POST("/sequence/reset", h.ResetSequence)
	api.PUT("/item", h.SetItem)
	api.PUT("/naming", h.SetNaming)
	api.PUT("/quality", h.SetQuality)
}

// requestLogger はリクエストをログに残すミドルウェア
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("リクエストを処理しました",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Start はサーバーを起動し、コンテキストのキャンセルかシグナルで停止する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
