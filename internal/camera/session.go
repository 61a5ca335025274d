package camera

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// launcherTemplate はセッションごとに生成するランチャー
// PIDの記録、古いフレームの削除、パイプライン実行、失敗時のマーカー書き込みを行う
var launcherTemplate = template.Must(template.New("capture.sh").Funcs(template.FuncMap{
	"q": shellQuote,
}).Parse(`#!/bin/bash
echo $$ > {{q .Layout.PIDFile}}
rm -f {{q .Layout.FramesDir}}/frame_*.jpg
{
{{.Pipeline}}
} 2>>{{q .Layout.LogFile}}
status=$?
if [ "$status" -ne 0 ]; then
  { echo "pipeline exited with status $status"; tail -n 5 {{q .Layout.LogFile}} 2>/dev/null; } > {{q .Layout.ErrorFile}}.tmp
  mv -f {{q .Layout.ErrorFile}}.tmp {{q .Layout.ErrorFile}}
fi
exit "$status"
`))

// Session は外部キャプチャパイプライン1本と、その一時ディレクトリを所有する
// 1つのSessionは1回だけ起動・停止できる
type Session struct {
	backend Backend
	root    string
	grace   time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	device  string
	layout  Layout
	cmd     *exec.Cmd
	exited  chan struct{}
	stopped chan struct{}
}

// NewSession は新しいSessionを作成する
// rootは一時ディレクトリの親、graceはSIGTERMからSIGKILLまでの猶予
func NewSession(backend Backend, root string, grace time.Duration, logger *slog.Logger) *Session {
	if root == "" {
		root = os.TempDir()
	}
	return &Session{
		backend: backend,
		root:    root,
		grace:   grace,
		logger:  logger,
	}
}

// Start はパイプラインを起動する
func (s *Session) Start(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped != nil {
		return ErrSessionStopped
	}
	if s.cmd != nil {
		// 既に起動済み
		return nil
	}

	layout := NewLayout(filepath.Join(s.root, "campeek-"+uuid.NewString()))
	if err := os.MkdirAll(layout.FramesDir, 0o755); err != nil {
		return fmt.Errorf("一時ディレクトリの作成に失敗: %w", err)
	}

	if err := writeLauncher(layout, s.backend.PipelineScript(device, layout.FramesDir)); err != nil {
		s.removeDir(layout.Dir)
		return err
	}

	cmd := exec.Command("bash", layout.Script)
	cmd.Dir = layout.Dir
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		s.removeDir(layout.Dir)
		return fmt.Errorf("キャプチャパイプラインの起動に失敗: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		s.logger.Debug("キャプチャパイプラインが終了しました", "dir", layout.Dir, "error", err)
		close(exited)
	}()

	s.device = device
	s.layout = layout
	s.cmd = cmd
	s.exited = exited

	s.logger.Info("キャプチャパイプラインを起動しました",
		"device", device, "backend", s.backend.Name(), "dir", layout.Dir, "pid", cmd.Process.Pid)
	return nil
}

// Stop はパイプラインを止めて一時ディレクトリを削除する
// 呼び出し元はブロックされない。何度呼んでも同じチャンネルを返す
func (s *Session) Stop() <-chan struct{} {
	s.mu.Lock()
	if s.stopped != nil {
		ch := s.stopped
		s.mu.Unlock()
		return ch
	}
	done := make(chan struct{})
	s.stopped = done
	cmd, exited, layout := s.cmd, s.exited, s.layout
	s.mu.Unlock()

	if cmd == nil {
		// 一度も起動していない
		close(done)
		return done
	}

	go func() {
		defer close(done)

		pgid := cmd.Process.Pid
		terminateProcessGroup(pgid, exited, s.grace, s.logger)

		// ランチャーが別グループのPIDを書いていた場合に備える
		if pid, err := readPIDFile(layout.PIDFile); err == nil && pid != pgid {
			if err := killProcessGroup(pid, unix.SIGKILL); err != nil {
				s.logger.Warn("記録されたPIDの停止に失敗", "pid", pid, "error", err)
			}
		}

		s.removeDir(layout.Dir)
		s.logger.Info("キャプチャパイプラインを停止しました", "dir", layout.Dir)
	}()
	return done
}

// Layout は一時ディレクトリの構成を返す
func (s *Session) Layout() Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Device はStartに渡されたデバイスを返す
func (s *Session) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Running はパイプラインのプロセスがまだ生きているかを返す
func (s *Session) Running() bool {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()

	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

func (s *Session) removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("一時ディレクトリの削除に失敗", "dir", dir, "error", err)
	}
}

// writeLauncher はランチャースクリプトを書き出して実行権限を付ける
func writeLauncher(layout Layout, pipeline string) error {
	var buf bytes.Buffer
	data := struct {
		Layout   Layout
		Pipeline string
	}{layout, pipeline}
	if err := launcherTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("ランチャーの生成に失敗: %w", err)
	}
	if err := os.WriteFile(layout.Script, buf.Bytes(), 0o755); err != nil {
		return fmt.Errorf("ランチャーの書き込みに失敗: %w", err)
	}
	return nil
}
