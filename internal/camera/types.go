package camera

import (
	"context"
	"errors"
	"path/filepath"
)

var (
	// ErrNoDevices は候補デバイスが1つもない場合のエラー
	ErrNoDevices = errors.New("カメラデバイスが見つかりません")

	// ErrSelectionReplaced は新しい自動選択によって中断された場合のエラー
	ErrSelectionReplaced = errors.New("デバイス選択は新しい選択に置き換えられました")

	// ErrSessionStopped は停止済みセッションを再開しようとした場合のエラー
	ErrSessionStopped = errors.New("セッションは既に停止しています")
)

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device string `json:"device"` // デバイスパス
	Name   string `json:"name"`   // 表示名
	Driver string `json:"driver"` // ドライバー名
}

// Backend は外部キャプチャツールのコマンドを組み立てる
type Backend interface {
	// Name はバックエンド名を返す
	Name() string

	// ProbeCommand は1フレームだけ取得して終了するコマンドを返す
	ProbeCommand(device string) []string

	// PipelineScript はフレームを連番JPEGとして書き出し続けるシェル断片を返す
	// 断片の終了ステータスがパイプラインの終了ステータスになること
	PipelineScript(device, framesDir string) string
}

// PipelineOptions はパイプラインの出力形式
type PipelineOptions struct {
	Width       int
	Height      int
	FPS         int
	JPEGQuality int
	MaxFiles    int
	Mirror      bool
}

// DefaultPipelineOptions はプレビュー用の既定値を返す
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		Width:       480,
		Height:      270,
		FPS:         30,
		JPEGQuality: 85,
		MaxFiles:    5,
		Mirror:      true,
	}
}

// セッションディレクトリ内のファイル名
const (
	pidFileName    = "pid"
	errorFileName  = "camera_error"
	scriptFileName = "capture.sh"
	framesDirName  = "frames"
	logFileName    = "pipeline.log"
)

// Layout はセッション用一時ディレクトリの構成
type Layout struct {
	Dir       string // <tmp>/campeek-<uuid>
	PIDFile   string // ランチャーが自身のPIDを書く
	ErrorFile string // パイプライン失敗時のマーカー
	Script    string // 生成されたランチャー
	FramesDir string // frame_NNNNN.jpg の出力先
	LogFile   string // パイプラインの標準エラー
}

// NewLayout はdirを起点にLayoutを組み立てる
func NewLayout(dir string) Layout {
	return Layout{
		Dir:       dir,
		PIDFile:   filepath.Join(dir, pidFileName),
		ErrorFile: filepath.Join(dir, errorFileName),
		Script:    filepath.Join(dir, scriptFileName),
		FramesDir: filepath.Join(dir, framesDirName),
		LogFile:   filepath.Join(dir, logFileName),
	}
}

// Frame はディスク上の1フレームを表す
type Frame struct {
	Index int    // 連番
	Path  string // ファイルの絶対パス
}

// CaptureSession はキャプチャパイプライン1本の寿命を管理する
type CaptureSession interface {
	// Start はパイプラインを起動する。起動済みなら何もしない
	Start(device string) error

	// Stop は非同期に停止と後片付けを行い、完了時に閉じるチャンネルを返す
	Stop() <-chan struct{}

	// Layout は一時ディレクトリの構成を返す（Start前はゼロ値）
	Layout() Layout

	// Device はStartに渡されたデバイスを返す
	Device() string
}

// SessionCreator はCaptureSessionを生成する
type SessionCreator interface {
	CreateSession() CaptureSession
}
