package camera

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"campeek/internal/logging"
)

// scriptBackend は任意のシェル断片をパイプラインとして使うテスト用バックエンド
type scriptBackend struct {
	script string
	probe  []string
}

func (b scriptBackend) Name() string { return "script" }

func (b scriptBackend) ProbeCommand(string) []string { return b.probe }

func (b scriptBackend) PipelineScript(_, framesDir string) string {
	return strings.ReplaceAll(b.script, "$FRAMES", shellQuote(framesDir))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSession_StartWritesFramesAndStopCleansUp(t *testing.T) {
	backend := scriptBackend{script: "for i in 0 1 2; do : > $FRAMES/frame_0000$i.jpg; done\nsleep 30"}
	session := NewSession(backend, t.TempDir(), 200*time.Millisecond, logging.Discard())

	if err := session.Start("/dev/video0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	layout := session.Layout()
	if session.Device() != "/dev/video0" {
		t.Errorf("Unexpected device: %s", session.Device())
	}

	if !waitFor(t, 3*time.Second, func() bool { return fileExists(layout.PIDFile) }) {
		t.Fatal("Launcher did not write pid file")
	}
	pid, err := readPIDFile(layout.PIDFile)
	if err != nil {
		t.Fatalf("readPIDFile failed: %v", err)
	}

	poller := NewPoller(layout, logging.Discard())
	var res TickResult
	if !waitFor(t, 3*time.Second, func() bool { res = poller.Tick(-1); return res.HasFrame && res.Frame.Index == 2 }) {
		t.Fatalf("Expected frame 2, got %+v", res)
	}

	info, err := os.Stat(layout.Script)
	if err != nil {
		t.Fatalf("Stat launcher failed: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("Launcher is not executable: %v", info.Mode())
	}
	if !session.Running() {
		t.Error("Expected session to be running")
	}

	done := session.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not complete")
	}

	if fileExists(layout.Dir) {
		t.Errorf("Session directory was not removed: %s", layout.Dir)
	}
	// 孤児になった子の回収を待つ
	if !waitFor(t, 2*time.Second, func() bool { return errors.Is(unix.Kill(-pid, 0), unix.ESRCH) }) {
		t.Errorf("Process group %d still alive", pid)
	}
	if session.Running() {
		t.Error("Expected session not to be running")
	}

	// 2回目のStopは同じチャンネル
	if session.Stop() != done {
		t.Error("Expected Stop to return the same channel")
	}
}

func TestSession_StartIsIdempotent(t *testing.T) {
	session := NewSession(scriptBackend{script: "sleep 30"}, t.TempDir(), 100*time.Millisecond, logging.Discard())
	defer func() { <-session.Stop() }()

	if err := session.Start("/dev/video0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := session.Layout()

	if err := session.Start("/dev/video1"); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if session.Layout() != first {
		t.Error("Second start created a new directory")
	}
	if session.Device() != "/dev/video0" {
		t.Errorf("Device changed on second start: %s", session.Device())
	}
}

func TestSession_FailureMarker(t *testing.T) {
	backend := scriptBackend{script: "echo 'Device or resource busy' >&2\nexit 3"}
	session := NewSession(backend, t.TempDir(), 100*time.Millisecond, logging.Discard())
	defer func() { <-session.Stop() }()

	if err := session.Start("/dev/video0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	layout := session.Layout()

	poller := NewPoller(layout, logging.Discard())
	var res TickResult
	if !waitFor(t, 3*time.Second, func() bool { res = poller.Tick(-1); return res.Failed }) {
		t.Fatal("Failure marker was not written")
	}
	if !strings.Contains(res.Reason, "status 3") {
		t.Errorf("Reason does not contain exit status: %q", res.Reason)
	}
	if !strings.Contains(res.Reason, "Device or resource busy") {
		t.Errorf("Reason does not contain pipeline stderr: %q", res.Reason)
	}
	if fileExists(layout.ErrorFile + ".tmp") {
		t.Error("Temporary marker left behind")
	}
}

func TestSession_StopWithoutStart(t *testing.T) {
	session := NewSession(scriptBackend{script: "sleep 30"}, t.TempDir(), 100*time.Millisecond, logging.Discard())

	select {
	case <-session.Stop():
	case <-time.After(time.Second):
		t.Fatal("Stop on unstarted session must complete immediately")
	}

	if err := session.Start("/dev/video0"); !errors.Is(err, ErrSessionStopped) {
		t.Errorf("Expected ErrSessionStopped, got %v", err)
	}
}

func TestSession_StartAfterStop(t *testing.T) {
	session := NewSession(scriptBackend{script: "sleep 30"}, t.TempDir(), 100*time.Millisecond, logging.Discard())
	if err := session.Start("/dev/video0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-session.Stop()

	if err := session.Start("/dev/video0"); !errors.Is(err, ErrSessionStopped) {
		t.Errorf("Expected ErrSessionStopped, got %v", err)
	}
}

func TestSession_StartFailsOnUnwritableRoot(t *testing.T) {
	root := t.TempDir()
	// ディレクトリの代わりにファイルを置く
	blocker := root + "/blocker"
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	session := NewSession(scriptBackend{script: "sleep 30"}, blocker, 100*time.Millisecond, logging.Discard())
	if err := session.Start("/dev/video0"); err == nil {
		<-session.Stop()
		t.Fatal("Expected start error")
	}
}

func TestMockSession(t *testing.T) {
	creator := NewMockSessionCreator(t.TempDir())
	session := creator.CreateSession().(*MockSession)

	if err := session.Start("/dev/video0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := session.WriteFrame(7); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	res := NewPoller(session.Layout(), logging.Discard()).Tick(-1)
	if !res.HasFrame || res.Frame.Index != 7 {
		t.Errorf("Expected frame 7, got %+v", res)
	}

	dir := session.Layout().Dir
	<-session.Stop()
	if fileExists(dir) {
		t.Error("Mock session directory was not removed")
	}

	events := creator.Events()
	if len(events) != 2 || events[0] != "start:0:/dev/video0" || events[1] != "stopped:0" {
		t.Errorf("Unexpected events: %v", events)
	}

	creator.SetShouldFailStart(true)
	if err := creator.CreateSession().Start("/dev/video0"); err == nil {
		t.Error("Expected start failure")
	}
}
