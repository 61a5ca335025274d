package camera

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// frameNamePattern はパイプラインが書き出すフレーム名
// %05d は99999を超えると桁が増えるため5桁以上を受け付ける
var frameNamePattern = regexp.MustCompile(`^frame_(\d{5,})\.jpg$`)

// TickResult は1回のポーリング結果
type TickResult struct {
	Frame    Frame  // HasFrameがtrueのときだけ有効
	HasFrame bool   // 未表示の新しいフレームがある
	Failed   bool   // 失敗マーカーを検出した
	Reason   string // 失敗マーカーの内容
}

// Poller はセッションの一時ディレクトリを監視して最新フレームを見つける
type Poller struct {
	layout Layout
	logger *slog.Logger
}

// NewPoller は新しいPollerを作成する
func NewPoller(layout Layout, logger *slog.Logger) *Poller {
	return &Poller{layout: layout, logger: logger}
}

// Tick は失敗マーカーを確認し、なければlastRenderedより新しいフレームを探す
func (p *Poller) Tick(lastRendered int) TickResult {
	// 失敗検出はフレーム検出より優先する
	if failed, reason := p.checkErrorMarker(); failed {
		return TickResult{Failed: true, Reason: reason}
	}

	frame, ok := p.newestFrame()
	if !ok || frame.Index <= lastRendered {
		return TickResult{}
	}
	return TickResult{Frame: frame, HasFrame: true}
}

func (p *Poller) checkErrorMarker() (bool, string) {
	data, err := os.ReadFile(p.layout.ErrorFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, ""
		}
		// 存在するが読めない場合も失敗として扱う
		if _, statErr := os.Stat(p.layout.ErrorFile); statErr == nil {
			return true, "キャプチャパイプラインが失敗しました"
		}
		return false, ""
	}

	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "キャプチャパイプラインが失敗しました"
	}
	return true, reason
}

// newestFrame は最大の連番を持つフレームを返す
func (p *Poller) newestFrame() (Frame, bool) {
	entries, err := os.ReadDir(p.layout.FramesDir)
	if err != nil {
		// ディレクトリ未作成はまだフレームがないだけ
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Debug("フレームディレクトリの読み込みに失敗", "dir", p.layout.FramesDir, "error", err)
		}
		return Frame{}, false
	}

	best := Frame{Index: -1}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, ok := parseFrameIndex(entry.Name())
		if !ok || index <= best.Index {
			continue
		}
		best = Frame{Index: index, Path: filepath.Join(p.layout.FramesDir, entry.Name())}
	}
	if best.Index < 0 {
		return Frame{}, false
	}
	return best, true
}

// parseFrameIndex はファイル名から連番を取り出す
func parseFrameIndex(name string) (int, bool) {
	m := frameNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	index, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return index, true
}
