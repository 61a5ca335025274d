package camera

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DeviceManager はデバイス一覧を保持し、定期的に再スキャンする
// デバイス選択メニューの表示と「デバイス一覧を更新」の操作に使う
type DeviceManager struct {
	discovery Discovery
	logger    *slog.Logger

	mu        sync.RWMutex
	devices   []DeviceInfo
	listeners []func([]DeviceInfo)

	// 制御用
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// 自動検出設定
	autoDiscovery bool
	scanInterval  time.Duration
}

// NewDeviceManager は新しいDeviceManagerを作成する
func NewDeviceManager(discovery Discovery, logger *slog.Logger) *DeviceManager {
	return &DeviceManager{
		discovery:     discovery,
		logger:        logger,
		autoDiscovery: true,
		scanInterval:  30 * time.Second, // 30秒間隔で自動スキャン
	}
}

// Start は初回スキャンを行い、バックグラウンドスキャンを開始する
func (m *DeviceManager) Start(ctx context.Context) error {
	if _, err := m.Refresh(ctx); err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})

	// 自動検出が有効な場合、バックグラウンドスキャンを開始
	if m.autoDiscovery {
		m.wg.Add(1)
		go m.backgroundScan(ctx, m.stopCh, m.scanInterval)
	}
	return nil
}

// Stop はバックグラウンドスキャンを停止する
func (m *DeviceManager) Stop(_ context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// Devices は最後にスキャンしたデバイス一覧を返す
func (m *DeviceManager) Devices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.devices)
}

// Paths はデバイスパスの一覧を返す
func (m *DeviceManager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.devices))
	for _, d := range m.devices {
		paths = append(paths, d.Device)
	}
	return paths
}

// Contains は指定されたデバイスが一覧にあるかを返す
func (m *DeviceManager) Contains(device string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.ContainsFunc(m.devices, func(d DeviceInfo) bool { return d.Device == device })
}

// OnChange はデバイス一覧が変化したときに呼ばれる関数を登録する
func (m *DeviceManager) OnChange(fn func([]DeviceInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Refresh はデバイスを再スキャンして一覧を更新する
func (m *DeviceManager) Refresh(ctx context.Context) ([]DeviceInfo, error) {
	paths, err := m.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]DeviceInfo, 0, len(paths))
	for _, path := range paths {
		info, err := m.discovery.GetDeviceInfo(ctx, path)
		if err != nil {
			m.logger.Debug("デバイス情報の取得に失敗", "device", path, "error", err)
			info = &DeviceInfo{Device: path, Name: path}
		}
		devices = append(devices, *info)
	}

	m.mu.Lock()
	changed := !slices.Equal(m.devices, devices)
	m.devices = devices
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if changed {
		m.logger.Info("デバイス一覧を更新しました", "count", len(devices))
		for _, fn := range listeners {
			fn(slices.Clone(devices))
		}
	}
	return slices.Clone(devices), nil
}

// backgroundScan は定期的なデバイススキャンを実行する
func (m *DeviceManager) backgroundScan(ctx context.Context, stopCh <-chan struct{}, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Refresh(ctx); err != nil {
				m.logger.Warn("デバイスの再スキャンに失敗", "error", err)
			}
		}
	}
}

// SetAutoDiscovery は自動検出の有効/無効を設定する（Start前に呼ぶ）
func (m *DeviceManager) SetAutoDiscovery(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoDiscovery = enabled
}

// SetScanInterval はスキャン間隔を設定する（Start前に呼ぶ）
func (m *DeviceManager) SetScanInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.scanInterval = interval
	}
}
