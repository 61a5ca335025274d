// Package main はトレイ常駐のデスクトップ版CamPeekです
// プレビューウィンドウに加えてHTTPサーバーも起動する
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	fyneapp "fyne.io/fyne/v2/app"
	"github.com/gin-gonic/gin"

	"campeek/internal/app"
	"campeek/internal/camera"
	"campeek/internal/config"
	"campeek/internal/desktop"
	"campeek/internal/logging"
	"campeek/internal/preview"
)

func main() {
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (デフォルト: $CAMPEEK_CONFIG)")
		show       = flag.Bool("show", false, "起動時にプレビューを表示")
	)
	flag.Parse()

	// Fyneのテレメトリを無効化
	os.Setenv("FYNE_TELEMETRY", "0")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	logger := logging.New(cfg.Log)
	gin.SetMode(gin.ReleaseMode)

	fyneApp := fyneapp.NewWithID("io.github.campeek")
	window := desktop.NewPreviewWindow(fyneApp, cfg.Camera.Width, cfg.Camera.Height, logger)

	a, err := app.New(cfg, logger, window)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	refresh := func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := a.Devices.Refresh(ctx); err != nil {
				logger.Warn("デバイスの再検出に失敗しました", "error", err)
			}
		}()
	}
	window.Bind(a.Controller, refresh)
	tray := desktop.NewTray(fyneApp, window, refresh)

	a.Devices.OnChange(func(devices []camera.DeviceInfo) {
		window.SetDevices(devices, a.Controller.Status().Device)
		if tray != nil {
			tray.SetDevices(devices)
		}
	})
	a.Controller.OnStateChange(func(_, _ preview.State, device string) {
		window.SetStatus(a.Controller.Status())
		if tray != nil {
			tray.SetSelected(device)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fyneApp.Lifecycle().SetOnStopped(stop)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Run(ctx); err != nil {
			logger.Error("CamPeekが異常終了しました", "error", err)
		}
		fyneApp.Quit()
	}()

	// トレイがない環境ではウィンドウが唯一の入口になる
	if tray == nil {
		window.Window().SetCloseIntercept(func() {
			window.Hide()
			fyneApp.Quit()
		})
	}
	if *show || tray == nil {
		window.Show()
	}
	fyneApp.Run()

	stop()
	<-done
}
