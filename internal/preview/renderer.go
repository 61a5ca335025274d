package preview

// Renderer はプレビューの表示先
// メソッドはコントローラーのイベントループから呼ばれるため、すぐに戻ること
type Renderer interface {
	// ShowLoading は読み込み中の表示に切り替える
	ShowLoading()

	// ShowFrame はpathのJPEGを表示する。表示面は作り直さず更新する
	ShowFrame(path string)

	// ShowError はエラーメッセージと再試行の操作を表示する
	ShowError(message string, retry func())
}

// Clearer はIdleに戻るときに表示を片付けるRenderer
type Clearer interface {
	Clear()
}

type multiRenderer []Renderer

// Renderers は複数のRendererに同じ表示を送るRendererを返す
func Renderers(renderers ...Renderer) Renderer {
	out := make(multiRenderer, 0, len(renderers))
	for _, r := range renderers {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiRenderer) ShowLoading() {
	for _, r := range m {
		r.ShowLoading()
	}
}

func (m multiRenderer) ShowFrame(path string) {
	for _, r := range m {
		r.ShowFrame(path)
	}
}

func (m multiRenderer) ShowError(message string, retry func()) {
	for _, r := range m {
		r.ShowError(message, retry)
	}
}

func (m multiRenderer) Clear() {
	for _, r := range m {
		if c, ok := r.(Clearer); ok {
			c.Clear()
		}
	}
}

type nopRenderer struct{}

func (nopRenderer) ShowLoading()             {}
func (nopRenderer) ShowFrame(string)         {}
func (nopRenderer) ShowError(string, func()) {}
