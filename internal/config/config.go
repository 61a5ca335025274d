package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Camera  CameraConfig  `yaml:"camera"`
	Preview PreviewConfig `yaml:"preview"`
	Storage StorageConfig `yaml:"storage"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト（WebSocket用に0で無効）
}

// CameraConfig はキャプチャパイプラインの設定
type CameraConfig struct {
	Device  string `yaml:"device"`  // 固定デバイス（空なら保存済みの選択 or 自動選択）
	Backend string `yaml:"backend"` // gstreamer または ffmpeg

	Width       int  `yaml:"width"`        // 出力幅
	Height      int  `yaml:"height"`       // 出力高さ
	FPS         int  `yaml:"fps"`          // フレームレート
	JPEGQuality int  `yaml:"jpeg_quality"` // JPEG品質 (1-100)
	MaxFiles    int  `yaml:"max_files"`    // ディスク上に残すフレーム数
	Mirror      bool `yaml:"mirror"`       // 左右反転

	StopGrace time.Duration `yaml:"stop_grace"` // SIGTERMからSIGKILLまでの猶予
}

// PreviewConfig はプレビュー制御のタイミング設定
type PreviewConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"` // フレームポーリング間隔
	StartTimeout    time.Duration `yaml:"start_timeout"`    // 最初のフレームまでの上限
	RetryDelay      time.Duration `yaml:"retry_delay"`      // 再試行前の待ち時間
	ReleaseTimeout  time.Duration `yaml:"release_timeout"`  // デバイス切替時に旧セッションの解放を待つ上限

	ProbeTimeout       time.Duration `yaml:"probe_timeout"`        // 1デバイスあたりのプローブ上限
	SelectTimeout      time.Duration `yaml:"select_timeout"`       // 自動選択全体の上限
	CheckInUse         bool          `yaml:"check_in_use"`         // 開始前に使用中チェックを行う
	AvailabilityCache  time.Duration `yaml:"availability_cache"`   // 使用中チェック結果のキャッシュ期間
	DeviceScanInterval time.Duration `yaml:"device_scan_interval"` // デバイス一覧の再スキャン間隔
}

// StorageConfig は一時ファイルと設定ファイルの配置
type StorageConfig struct {
	ScratchRoot  string `yaml:"scratch_root"`  // セッション用一時ディレクトリの親
	SettingsPath string `yaml:"settings_path"` // 選択デバイスを保存するTOMLファイル
}

// MQTTConfig は状態通知用ブローカーの設定（Brokerが空なら無効）
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text または json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0,
		},
		Camera: CameraConfig{
			Backend:     "gstreamer",
			Width:       480,
			Height:      270,
			FPS:         30,
			JPEGQuality: 85,
			MaxFiles:    5,
			Mirror:      true,
			StopGrace:   500 * time.Millisecond,
		},
		Preview: PreviewConfig{
			RefreshInterval:    33 * time.Millisecond,
			StartTimeout:       2 * time.Second,
			RetryDelay:         150 * time.Millisecond,
			ReleaseTimeout:     3 * time.Second,
			ProbeTimeout:       1500 * time.Millisecond,
			SelectTimeout:      3 * time.Second,
			CheckInUse:         true,
			AvailabilityCache:  2 * time.Second,
			DeviceScanInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			ScratchRoot:  os.TempDir(),
			SettingsPath: defaultSettingsPath(),
		},
		MQTT: MQTTConfig{
			TopicPrefix: "campeek",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// pathが空の場合は CAMPEEK_CONFIG を参照し、ファイルがなければデフォルト値を使う
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CAMPEEK_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile はYAMLファイルの内容でデフォルト値を上書きする
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

// applyEnv は環境変数による上書きを適用する
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Device = getEnvOrDefault("CAMPEEK_DEVICE", c.Camera.Device)
	c.Camera.Backend = getEnvOrDefault("CAMPEEK_BACKEND", c.Camera.Backend)
	c.MQTT.Broker = getEnvOrDefault("MQTT_BROKER", c.MQTT.Broker)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch c.Camera.Backend {
	case "gstreamer", "ffmpeg":
	default:
		return fmt.Errorf("無効なバックエンド: %q", c.Camera.Backend)
	}
	if c.Camera.Width <= 0 || c.Camera.Width > 4096 {
		return fmt.Errorf("無効な幅: %d", c.Camera.Width)
	}
	if c.Camera.Height <= 0 || c.Camera.Height > 4096 {
		return fmt.Errorf("無効な高さ: %d", c.Camera.Height)
	}
	if c.Camera.FPS <= 0 || c.Camera.FPS > 60 {
		return fmt.Errorf("無効なFPS値: %d", c.Camera.FPS)
	}
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Camera.JPEGQuality)
	}
	if c.Camera.MaxFiles < 2 {
		return fmt.Errorf("max_filesは2以上が必要です: %d", c.Camera.MaxFiles)
	}

	if c.Preview.RefreshInterval <= 0 {
		return fmt.Errorf("無効なリフレッシュ間隔: %s", c.Preview.RefreshInterval)
	}
	if c.Preview.StartTimeout <= c.Preview.RefreshInterval {
		return fmt.Errorf("start_timeoutはrefresh_intervalより長くする必要があります: %s", c.Preview.StartTimeout)
	}
	if c.Preview.ProbeTimeout <= 0 || c.Preview.SelectTimeout <= 0 {
		return fmt.Errorf("プローブのタイムアウトが無効です")
	}

	if c.Storage.ScratchRoot == "" {
		return fmt.Errorf("scratch_rootが設定されていません")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("無効なログ形式: %q", c.Log.Format)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// defaultSettingsPath はユーザー設定ディレクトリ配下の保存先を返す
func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "campeek", "settings.toml")
	}
	return filepath.Join(dir, "campeek", "settings.toml")
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
