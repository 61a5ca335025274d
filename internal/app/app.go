// Package app は設定から各部品を組み立て、まとめて起動・停止する
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"campeek/internal/camera"
	"campeek/internal/config"
	"campeek/internal/notify"
	"campeek/internal/preview"
	"campeek/internal/server"
	"campeek/internal/settings"
)

const shutdownTimeout = 5 * time.Second

// App はCamPeekの実行に必要な部品の集まり
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *settings.FileStore
	Devices    *camera.DeviceManager
	Prober     *camera.Prober
	Controller *preview.Controller
	Hub        *server.Hub
	Server     *server.Server
	Notifier   *notify.Notifier // MQTTが無効ならnil
}

// New は設定に従って部品を組み立てる
// renderersはHubに加えてプレビューを描画するもの（デスクトップのウィンドウなど）
func New(cfg *config.Config, logger *slog.Logger, renderers ...preview.Renderer) (*App, error) {
	store, err := settings.Open(cfg.Storage.SettingsPath)
	if err != nil {
		return nil, err
	}

	backend, err := camera.NewBackend(cfg.Camera.Backend, pipelineOptions(cfg.Camera))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Storage.ScratchRoot, 0o755); err != nil {
		return nil, fmt.Errorf("一時ディレクトリの作成に失敗: %w", err)
	}

	devices := camera.NewDeviceManager(camera.NewLinuxDiscovery(), logger)
	devices.SetScanInterval(cfg.Preview.DeviceScanInterval)
	devices.SetAutoDiscovery(cfg.Preview.DeviceScanInterval > 0)

	prober := camera.NewProber(backend, logger)
	hub := server.NewHub(logger)

	deps := preview.Deps{
		Sessions: camera.NewProductionSessionCreator(backend, cfg.Storage.ScratchRoot, cfg.Camera.StopGrace, logger),
		Renderer: preview.Renderers(append([]preview.Renderer{hub}, renderers...)...),
		Devices:  devices,
		Selector: prober,
		Store:    store,
	}
	if cfg.Preview.CheckInUse {
		deps.Availability = camera.NewAvailabilityChecker(prober, cfg.Preview.AvailabilityCache, logger)
	}

	controller := preview.NewController(deps, preview.OptionsFromConfig(cfg.Preview), logger)

	srv, err := server.New(cfg, controller, devices, hub, logger)
	if err != nil {
		_ = controller.Shutdown(context.Background())
		return nil, err
	}

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Devices:    devices,
		Prober:     prober,
		Controller: controller,
		Hub:        hub,
		Server:     srv,
	}
	if cfg.MQTT.Broker != "" {
		a.Notifier = notify.New(cfg.MQTT, controller, logger)
	}

	a.wire()
	return a, nil
}

// wire は状態とデバイス一覧の変化を各アダプターに流す
func (a *App) wire() {
	a.Controller.OnStateChange(func(prev, next preview.State, device string) {
		status := a.Controller.Status()
		a.Logger.Info("プレビューの状態が変わりました", "from", prev, "to", next, "device", device)
		a.Hub.BroadcastState(status)
		if a.Notifier != nil {
			a.Notifier.PublishState(status)
		}
	})

	a.Devices.OnChange(func(devices []camera.DeviceInfo) {
		a.Hub.BroadcastDevices(devices)
		// 選択中のデバイスが消えた場合だけ選び直す
		a.Controller.AutoSelect()
	})
}

// Run はデバイスのスキャン、HTTPサーバー、MQTTを起動し、ctxが終わるまで動かす
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 固定デバイスは初回スキャンによる自動選択より先に反映する
	if a.Config.Camera.Device != "" {
		a.Controller.SelectDevice(a.Config.Camera.Device)
	}

	if err := a.Devices.Start(ctx); err != nil {
		// デバイスがなくてもサーバーは起動する
		a.Logger.Warn("デバイスのスキャンに失敗しました", "error", err)
	}
	a.Controller.AutoSelect()

	if a.Notifier != nil {
		a.Notifier.PublishState(a.Controller.Status())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// シグナルで止まった場合も他を止める
		defer cancel()
		return a.Server.Start(gctx)
	})

	if a.Notifier != nil {
		g.Go(func() error {
			if err := a.Notifier.Start(gctx); err != nil {
				// MQTTが使えなくてもプレビューは続ける
				a.Logger.Warn("MQTT通知を無効にします", "error", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	return errors.Join(runErr, a.Shutdown())
}

// Shutdown はプレビューとデバイススキャンを停止する
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Controller.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Devices.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("デバイススキャンの停止に失敗: %w", err))
	}
	return errors.Join(errs...)
}

func pipelineOptions(cfg config.CameraConfig) camera.PipelineOptions {
	return camera.PipelineOptions{
		Width:       cfg.Width,
		Height:      cfg.Height,
		FPS:         cfg.FPS,
		JPEGQuality: cfg.JPEGQuality,
		MaxFiles:    cfg.MaxFiles,
		Mirror:      cfg.Mirror,
	}
}
