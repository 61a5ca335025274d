package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	deviceNumberPattern = regexp.MustCompile(`video(\d+)$`)
	v4l2NodePattern     = regexp.MustCompile(`^video\d+$`)
)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	devPattern string // 検索するデバイスファイル
	sysfsRoot  string // /sys/class/video4linux

	// v4l2ctl は v4l2-ctl を実行して標準出力を返す
	v4l2ctl func(ctx context.Context, args ...string) ([]byte, error)
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		devPattern: "/dev/video*",
		sysfsRoot:  "/sys/class/video4linux",
		v4l2ctl:    runV4L2Ctl,
	}
}

// ScanDevices はシステム内の利用可能なカメラデバイスを番号順に返す
// メタデータ用ノードや同じカメラの2つ目以降のノードは除外する
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.devPattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seenNames := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(ctx, match) || !d.IsCaptureNode(ctx, match) {
			continue
		}

		// 同じ物理カメラの複数ノードは最も小さい番号だけ残す
		name := d.realName(ctx, match)
		if name != "" {
			if seenNames[name] {
				continue
			}
			seenNames[name] = true
		}
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable はデバイスファイルが存在し、読み取り可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !v4l2NodePattern.MatchString(filepath.Base(device)) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	info := &DeviceInfo{
		Device: device,
		Name:   d.generateDeviceName(ctx, device),
		Driver: "unknown",
	}
	if fields := d.v4l2Info(ctx, device); fields != nil {
		if driver := fields["Driver name"]; driver != "" {
			info.Driver = driver
		}
	}
	return info, nil
}

// IsCaptureNode はカラー映像を出力できるキャプチャノードかを判定する
// v4l2-ctlがなければsysfsのindexで判断し、それも読めなければ候補に含める
func (d *LinuxDiscovery) IsCaptureNode(ctx context.Context, device string) bool {
	output, err := d.v4l2ctl(ctx, "--device", device, "--list-formats-ext")
	if err != nil {
		index := readFirstLine(filepath.Join(d.sysfsRoot, filepath.Base(device), "index"))
		return index == "" || index == "0"
	}

	out := string(output)
	// フォーマットが1つもないノードはメタデータ用
	if !strings.Contains(out, "[0]:") {
		return false
	}
	// グレースケールのみのデバイスは除外
	if strings.Contains(out, "GREY") && !strings.Contains(out, "YUYV") && !strings.Contains(out, "MJPG") {
		return false
	}
	return true
}

// generateDeviceName はデバイスの表示名を生成する
func (d *LinuxDiscovery) generateDeviceName(ctx context.Context, device string) string {
	if name := d.realName(ctx, device); name != "" {
		return name
	}
	// フォールバック: デバイス番号から生成
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// realName はv4l2-ctlの Card type、なければsysfsの name を返す
func (d *LinuxDiscovery) realName(ctx context.Context, device string) string {
	if fields := d.v4l2Info(ctx, device); fields != nil {
		if card := fields["Card type"]; card != "" {
			return card
		}
	}
	return readFirstLine(filepath.Join(d.sysfsRoot, filepath.Base(device), "name"))
}

// v4l2Info は v4l2-ctl --info の "key : value" 行をmapにする
func (d *LinuxDiscovery) v4l2Info(ctx context.Context, device string) map[string]string {
	output, err := d.v4l2ctl(ctx, "--device", device, "--info")
	if err != nil {
		return nil
	}

	info := make(map[string]string)
	for _, line := range strings.Split(string(output), "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if _, exists := info[key]; !exists {
			info[key] = strings.TrimSpace(parts[1])
		}
	}
	return info
}

// runV4L2Ctl は v4l2-ctl をタイムアウト付きで実行する
func runV4L2Ctl(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "v4l2-ctl", args...).Output()
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

func readFirstLine(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	line := string(raw)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu          sync.Mutex
	devices     []string
	deviceInfos map[string]*DeviceInfo
	scanErr     error
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{deviceInfos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	out := make([]string, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.deviceInfos[device]
	return exists
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, exists := m.deviceInfos[device]
	if !exists {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}

	// コピーを返す
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deviceInfos[device]; exists {
		return
	}
	m.devices = append(m.devices, device)
	m.deviceInfos[device] = &DeviceInfo{
		Device: device,
		Name:   fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Driver: "mock",
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, device)
}

// SetScanError はテスト用にスキャンエラーを設定する
func (m *MockDiscovery) SetScanError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanErr = err
}
