package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/gin-gonic/gin"

	"campeek/internal/app"
	"campeek/internal/config"
	"campeek/internal/logging"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger := logging.New(cfg.Log)
	if logging.ParseLevel(cfg.Log.Level) != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 部品を組み立てる
	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := a.Run(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
