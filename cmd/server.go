// Package main はCamPeekサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"

	"campeek/internal/app"
	"campeek/internal/config"
	"campeek/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (デフォルト: $CAMPEEK_CONFIG)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 127.0.0.1)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		device     = flag.String("device", "", "使用するカメラデバイス (例: /dev/video0)")
		backend    = flag.String("backend", "", "キャプチャバックエンド (gstreamer または ffmpeg)")
		logLevel   = flag.String("log-level", "", "ログレベル (debug, info, warn, error)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("CamPeek")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	logger := logging.New(cfg.Log)
	if logging.ParseLevel(cfg.Log.Level) != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	// サーバーを起動
	logger.Info("CamPeek サーバーを起動します", "addr", cfg.ServerAddress(), "backend", cfg.Camera.Backend)
	if err := a.Run(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
