package camera

import (
	"fmt"
	"strings"
)

// NewBackend は名前に対応するBackendを返す
func NewBackend(name string, opts PipelineOptions) (Backend, error) {
	switch name {
	case "", "gstreamer":
		return NewGStreamerBackend(opts), nil
	case "ffmpeg":
		return NewFFmpegBackend(opts), nil
	default:
		return nil, fmt.Errorf("未対応のバックエンド: %s", name)
	}
}

// GStreamerBackend は gst-launch-1.0 を使うバックエンド
type GStreamerBackend struct {
	opts PipelineOptions
	bin  string
}

// NewGStreamerBackend は新しいGStreamerBackendを作成する
func NewGStreamerBackend(opts PipelineOptions) *GStreamerBackend {
	return &GStreamerBackend{opts: opts, bin: "gst-launch-1.0"}
}

// Name はバックエンド名を返す
func (b *GStreamerBackend) Name() string { return "gstreamer" }

// ProbeCommand は1バッファだけ読んで捨てるパイプラインを返す
func (b *GStreamerBackend) ProbeCommand(device string) []string {
	return []string{b.bin, "-q", "v4l2src", "device=" + device, "num-buffers=1", "!", "fakesink"}
}

// PipelineScript は multifilesink でローテーションしながらJPEGを書き出す
func (b *GStreamerBackend) PipelineScript(device, framesDir string) string {
	elems := []string{
		"v4l2src device=" + shellQuote(device),
		"videoconvert",
		"videoscale",
		fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", b.opts.Width, b.opts.Height, b.opts.FPS),
		// 表示が遅れたときは古いバッファを捨てる
		"queue max-size-buffers=2 leaky=downstream",
	}
	if b.opts.Mirror {
		elems = append(elems, "videoflip method=horizontal-flip")
	}
	elems = append(elems,
		fmt.Sprintf("jpegenc quality=%d", b.opts.JPEGQuality),
		fmt.Sprintf("multifilesink location=%s max-files=%d",
			shellQuote(framesDir+"/frame_%05d.jpg"), b.opts.MaxFiles),
	)
	return b.bin + " -q " + strings.Join(elems, " ! ")
}

// FFmpegBackend は ffmpeg を使うバックエンド
// image2 にはローテーションがないため、ランチャー側で古いフレームを間引く
type FFmpegBackend struct {
	opts PipelineOptions
	bin  string
}

// NewFFmpegBackend は新しいFFmpegBackendを作成する
func NewFFmpegBackend(opts PipelineOptions) *FFmpegBackend {
	return &FFmpegBackend{opts: opts, bin: "ffmpeg"}
}

// Name はバックエンド名を返す
func (b *FFmpegBackend) Name() string { return "ffmpeg" }

// ProbeCommand は1フレームだけデコードして捨てるコマンドを返す
func (b *FFmpegBackend) ProbeCommand(device string) []string {
	return []string{
		b.bin, "-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-i", device,
		"-frames:v", "1",
		"-f", "null", "-",
	}
}

// PipelineScript はffmpegをバックグラウンドで動かし、終了まで古いフレームを削除し続ける
func (b *FFmpegBackend) PipelineScript(device, framesDir string) string {
	filters := fmt.Sprintf("scale=%d:%d", b.opts.Width, b.opts.Height)
	if b.opts.Mirror {
		filters += ",hflip"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s -hide_banner -loglevel error -nostdin -f v4l2 -framerate %d -i %s -vf %s -q:v %d -f image2 -start_number 0 %s &\n",
		b.bin, b.opts.FPS, shellQuote(device), shellQuote(filters), ffmpegQScale(b.opts.JPEGQuality),
		shellQuote(framesDir+"/frame_%05d.jpg"))
	sb.WriteString("ffpid=$!\n")
	sb.WriteString("while kill -0 \"$ffpid\" 2>/dev/null; do\n")
	fmt.Fprintf(&sb, "  ls -1 %s/frame_*.jpg 2>/dev/null | sort -V | head -n -%d | xargs -r rm -f\n",
		shellQuote(framesDir), b.opts.MaxFiles)
	sb.WriteString("  sleep 0.2\n")
	sb.WriteString("done\n")
	sb.WriteString("wait \"$ffpid\"")
	return sb.String()
}

// ffmpegQScale はJPEG品質(1-100)をffmpegの-q:v(2-31、小さいほど高品質)に変換する
func ffmpegQScale(quality int) int {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return 2 + (100-quality)*29/99
}

// shellQuote はシングルクォートでシェル引数を囲む
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
