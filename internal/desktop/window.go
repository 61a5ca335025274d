// Package desktop はシステムトレイとプレビューウィンドウを提供する
//
// PreviewWindowはpreview.Rendererとして振る舞い、
// 1つのcanvas.Imageを使い回してフレームを表示する。
package desktop

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"

	"campeek/internal/camera"
	"campeek/internal/preview"
)

// Controls はウィンドウから操作するプレビュー
type Controls interface {
	Open()
	Close()
	SelectDevice(device string)
}

// PreviewWindow はプレビューを表示するウィンドウ
type PreviewWindow struct {
	window fyne.Window
	logger *slog.Logger

	image     *canvas.Image
	loading   *widget.ProgressBarInfinite
	errLabel  *widget.Label
	retryBtn  *widget.Button
	selector  *widget.Select
	refreshBt *widget.Button
	status    *widget.Label

	mu        sync.Mutex
	controls  Controls
	onRefresh func()
	retry     func()
	buf       bytes.Buffer
	paths     map[string]string // 表示名 -> デバイスパス

	updating atomic.Bool // プログラムからの選択変更ではSelectDeviceを呼ばない
}

// NewPreviewWindow はウィンドウを作成する。表示はShowで行う
func NewPreviewWindow(app fyne.App, width, height int, logger *slog.Logger) *PreviewWindow {
	w := &PreviewWindow{
		window: app.NewWindow("CamPeek"),
		logger: logger,
		paths:  make(map[string]string),
	}

	w.image = canvas.NewImageFromImage(image.NewRGBA(image.Rect(0, 0, width, height)))
	w.image.FillMode = canvas.ImageFillContain
	w.image.SetMinSize(fyne.NewSize(float32(width), float32(height)))

	w.loading = widget.NewProgressBarInfinite()
	w.loading.Hide()

	w.errLabel = widget.NewLabel("")
	w.errLabel.Wrapping = fyne.TextWrapWord
	w.errLabel.Alignment = fyne.TextAlignCenter
	w.errLabel.Hide()

	w.retryBtn = widget.NewButton("再試行", w.tapRetry)
	w.retryBtn.Hide()

	w.selector = widget.NewSelect(nil, w.selected)
	w.selector.PlaceHolder = "カメラを選択"

	w.refreshBt = widget.NewButton("デバイスを再検出", func() {
		w.mu.Lock()
		fn := w.onRefresh
		w.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	w.status = widget.NewLabel(preview.StateIdle.String())

	overlay := container.NewCenter(container.NewVBox(w.loading, w.errLabel, w.retryBtn))
	toolbar := container.NewBorder(nil, nil, nil, w.refreshBt, w.selector)
	w.window.SetContent(container.NewBorder(toolbar, w.status, nil, nil, container.NewStack(w.image, overlay)))

	// 閉じるボタンではウィンドウを隠してプレビューを止める（トレイに常駐）
	w.window.SetCloseIntercept(func() {
		w.Hide()
	})
	return w
}

// Bind は操作先とデバイス再検出の関数を設定する
func (w *PreviewWindow) Bind(controls Controls, onRefresh func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.controls = controls
	w.onRefresh = onRefresh
}

// Show はウィンドウを表示してプレビューを開始する
func (w *PreviewWindow) Show() {
	w.window.Show()
	w.window.RequestFocus()
	if c := w.getControls(); c != nil {
		c.Open()
	}
}

// Hide はウィンドウを隠してプレビューを停止する
func (w *PreviewWindow) Hide() {
	if c := w.getControls(); c != nil {
		c.Close()
	}
	w.window.Hide()
}

// Window は内部のfyne.Windowを返す
func (w *PreviewWindow) Window() fyne.Window {
	return w.window
}

// ShowLoading は読み込み中の表示にする
func (w *PreviewWindow) ShowLoading() {
	w.mu.Lock()
	w.retry = nil
	w.mu.Unlock()

	w.errLabel.Hide()
	w.retryBtn.Hide()
	w.loading.Show()
	w.loading.Start()
}

// ShowFrame はJPEGを読み込んで画像を差し替える
func (w *PreviewWindow) ShowFrame(path string) {
	img, err := w.decode(path)
	if err != nil {
		// ローテーションで消えたフレームは次のtickで拾う
		w.logger.Debug("フレームを表示できませんでした", "path", path, "error", err)
		return
	}

	w.loading.Stop()
	w.loading.Hide()
	w.errLabel.Hide()
	w.retryBtn.Hide()

	w.image.Image = img
	w.image.Refresh()
}

func (w *PreviewWindow) decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()
	if _, err := w.buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("フレームの読み込みに失敗: %w", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(w.buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("JPEGのデコードに失敗: %w", err)
	}
	return img, nil
}

// ShowError はエラーと再試行ボタンを表示する
func (w *PreviewWindow) ShowError(message string, retry func()) {
	w.mu.Lock()
	w.retry = retry
	w.mu.Unlock()

	w.loading.Stop()
	w.loading.Hide()
	w.errLabel.SetText(message)
	w.errLabel.Show()
	if retry != nil {
		w.retryBtn.Show()
	} else {
		w.retryBtn.Hide()
	}
}

// Clear はオーバーレイを片付ける
func (w *PreviewWindow) Clear() {
	w.mu.Lock()
	w.retry = nil
	w.mu.Unlock()

	w.loading.Stop()
	w.loading.Hide()
	w.errLabel.Hide()
	w.retryBtn.Hide()
}

// SetStatus は状態表示を更新する
func (w *PreviewWindow) SetStatus(status preview.Status) {
	text := status.State.String()
	if status.Device != "" {
		text += "  " + status.Device
	}
	w.status.SetText(text)

	w.mu.Lock()
	current := ""
	for label, path := range w.paths {
		if path == status.Device {
			current = label
			break
		}
	}
	w.mu.Unlock()

	if current != "" {
		w.updating.Store(true)
		w.selector.SetSelected(current)
		w.updating.Store(false)
	}
}

// SetDevices はデバイス選択の候補を更新する
func (w *PreviewWindow) SetDevices(devices []camera.DeviceInfo, selected string) {
	options := make([]string, 0, len(devices))
	paths := make(map[string]string, len(devices))
	current := ""
	for _, d := range devices {
		label := DeviceLabel(d)
		options = append(options, label)
		paths[label] = d.Device
		if d.Device == selected {
			current = label
		}
	}

	w.mu.Lock()
	w.paths = paths
	w.mu.Unlock()

	w.updating.Store(true)
	defer w.updating.Store(false)

	w.selector.Options = options
	if current != "" {
		w.selector.SetSelected(current)
	} else {
		w.selector.ClearSelected()
	}
	w.selector.Refresh()
}

func (w *PreviewWindow) selected(label string) {
	if w.updating.Load() {
		return
	}

	w.mu.Lock()
	path, ok := w.paths[label]
	controls := w.controls
	w.mu.Unlock()

	if ok && controls != nil {
		controls.SelectDevice(path)
	}
}

func (w *PreviewWindow) tapRetry() {
	w.mu.Lock()
	retry := w.retry
	w.mu.Unlock()
	if retry != nil {
		retry()
	}
}

func (w *PreviewWindow) getControls() Controls {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.controls
}

// DeviceLabel はメニューに出すデバイス名を返す
func DeviceLabel(d camera.DeviceInfo) string {
	if d.Name == "" || d.Name == d.Device {
		return d.Device
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Device)
}
