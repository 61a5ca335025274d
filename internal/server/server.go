package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"

	"campeek/internal/camera"
	"campeek/internal/config"
	"campeek/internal/preview"
)

// PreviewController はHTTPから操作するプレビュー
type PreviewController interface {
	Open()
	Close()
	Retry()
	SelectDevice(device string)
	Status() preview.Status
}

// DeviceSource はデバイス一覧の取得と再スキャンを行う
type DeviceSource interface {
	Devices() []camera.DeviceInfo
	Refresh(ctx context.Context) ([]camera.DeviceInfo, error)
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	hub        *Hub
	openapi    *openapi3.T

	mu   sync.Mutex
	addr net.Addr
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, controller PreviewController, devices DeviceSource, hub *Hub, logger *slog.Logger) (*Server, error) {
	doc, err := LoadOpenAPI()
	if err != nil {
		return nil, err
	}

	validator, err := requestValidator(doc)
	if err != nil {
		return nil, err
	}

	if hub == nil {
		hub = NewHub(logger)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger), validator)

	s := &Server{
		config:  cfg,
		logger:  logger,
		engine:  engine,
		hub:     hub,
		openapi: doc,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	handler := &CampeekHandler{
		config:     cfg,
		controller: controller,
		devices:    devices,
		hub:        hub,
		openapi:    doc,
		logger:     logger,
	}
	s.setupRoutes(handler)

	hub.OnCommand(handler.handleCommand)
	return s, nil
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes(h *CampeekHandler) {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", h.HealthCheck)

	// APIエンドポイント
	api := s.engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/devices", h.GetDevices)
	api.POST("/devices/refresh", h.RefreshDevices)
	api.PUT("/device", h.SelectDevice)
	api.POST("/preview/open", h.OpenPreview)
	api.POST("/preview/close", h.ClosePreview)
	api.POST("/preview/retry", h.RetryPreview)
	api.GET("/preview/frame", h.GetFrame)
	api.GET("/openapi.json", h.GetOpenAPI)

	// WebSocket
	s.engine.GET("/ws", h.PreviewWebSocket)

	// 静的ファイル
	s.engine.GET("/", h.Index)
	s.engine.StaticFS("/static", GetStaticFS())
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Routes は登録済みのルートを返す
func (s *Server) Routes() gin.RoutesInfo {
	return s.engine.Routes()
}

// Addr は待ち受け中のアドレスを返す（Start前はnil）
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
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

	// WebSocketはShutdownで閉じられないため先に切断する
	s.hub.Close()

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストをslogに記録するミドルウェア
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// フレーム取得は高頻度なのでdebugにする
		level := slog.LevelInfo
		if c.FullPath() == "/api/preview/frame" || c.FullPath() == "/health" {
			level = slog.LevelDebug
		}
		logger.Log(c.Request.Context(), level, "HTTPリクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
		for _, err := range c.Errors {
			logger.Warn("リクエスト処理中のエラー", "path", c.Request.URL.Path, "error", err.Err)
		}
	}
}
