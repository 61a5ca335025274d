package desktop

import (
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/driver/desktop"

	"campeek/internal/camera"
)

// Tray はシステムトレイのメニュー
// プレビューの表示とデバイスの選択・再検出を行う
type Tray struct {
	app     fyne.App
	window  *PreviewWindow
	refresh func()

	mu       sync.Mutex
	devices  []camera.DeviceInfo
	selected string
}

// NewTray はトレイを作成する。トレイに対応していない環境ではnilを返す
func NewTray(app fyne.App, window *PreviewWindow, refresh func()) *Tray {
	if _, ok := app.(desktop.App); !ok {
		return nil
	}
	t := &Tray{app: app, window: window, refresh: refresh}
	t.rebuild()
	return t
}

// SetDevices はデバイス一覧を更新してメニューを作り直す
func (t *Tray) SetDevices(devices []camera.DeviceInfo) {
	t.mu.Lock()
	t.devices = append([]camera.DeviceInfo(nil), devices...)
	t.mu.Unlock()
	t.rebuild()
}

// SetSelected は選択中のデバイスにチェックを付ける
func (t *Tray) SetSelected(device string) {
	t.mu.Lock()
	if t.selected == device {
		t.mu.Unlock()
		return
	}
	t.selected = device
	t.mu.Unlock()
	t.rebuild()
}

func (t *Tray) rebuild() {
	desk, ok := t.app.(desktop.App)
	if !ok {
		return
	}
	desk.SetSystemTrayMenu(t.menu())
}

// menu は現在のデバイス一覧からメニューを組み立てる
func (t *Tray) menu() *fyne.Menu {
	t.mu.Lock()
	devices, selected := t.devices, t.selected
	t.mu.Unlock()

	show := fyne.NewMenuItem("プレビューを表示", t.window.Show)

	items := make([]*fyne.MenuItem, 0, len(devices))
	for _, d := range devices {
		device := d.Device
		item := fyne.NewMenuItem(DeviceLabel(d), func() {
			if c := t.window.getControls(); c != nil {
				c.SelectDevice(device)
			}
		})
		item.Checked = device == selected
		items = append(items, item)
	}
	if len(items) == 0 {
		none := fyne.NewMenuItem("カメラデバイスが見つかりません", nil)
		none.Disabled = true
		items = append(items, none)
	}
	devicesItem := fyne.NewMenuItem("カメラ", nil)
	devicesItem.ChildMenu = fyne.NewMenu("", items...)

	refresh := fyne.NewMenuItem("デバイスを再検出", func() {
		if t.refresh != nil {
			t.refresh()
		}
	})

	return fyne.NewMenu("CamPeek", show, fyne.NewMenuItemSeparator(), devicesItem, refresh)
}
