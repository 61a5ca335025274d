package preview

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"campeek/internal/camera"
	"campeek/internal/logging"
	"campeek/internal/settings"
)

// recordingRenderer は呼ばれた表示操作を記録する
type recordingRenderer struct {
	mu     sync.Mutex
	events []string
	retry  func()
}

func (r *recordingRenderer) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingRenderer) ShowLoading() { r.record("loading") }

func (r *recordingRenderer) ShowFrame(path string) { r.record("frame:" + filepath.Base(path)) }

func (r *recordingRenderer) ShowError(message string, retry func()) {
	r.mu.Lock()
	r.retry = retry
	r.mu.Unlock()
	r.record("error:" + message)
}

func (r *recordingRenderer) Clear() { r.record("clear") }

func (r *recordingRenderer) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingRenderer) Count(prefix string) int {
	n := 0
	for _, e := range r.Events() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (r *recordingRenderer) RetryAction() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retry
}

type fakeAvailability struct {
	mu        sync.Mutex
	available bool
	delay     time.Duration
	checks    int
	forgotten []string
}

func (f *fakeAvailability) Available(_ context.Context, _ string) bool {
	f.mu.Lock()
	delay := f.delay
	f.checks++
	available := f.available
	f.mu.Unlock()
	time.Sleep(delay)
	return available
}

func (f *fakeAvailability) Forget(device string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, device)
}

func (f *fakeAvailability) set(available bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = available
}

func (f *fakeAvailability) Forgotten() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forgotten...)
}

type staticDevices []string

func (s staticDevices) Paths() []string { return s }

type fakeSelector struct {
	result string
	err    error
	calls  int
	mu     sync.Mutex
}

func (f *fakeSelector) SelectWorking(_ context.Context, devices []string, _, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.result != "" {
		return f.result, nil
	}
	return devices[0], nil
}

func testOptions() Options {
	return Options{
		RefreshInterval: 5 * time.Millisecond,
		StartTimeout:    300 * time.Millisecond,
		RetryDelay:      10 * time.Millisecond,
		ReleaseTimeout:  time.Second,
		ProbeTimeout:    100 * time.Millisecond,
		SelectTimeout:   200 * time.Millisecond,
	}
}

type testController struct {
	*Controller
	creator  *camera.MockSessionCreator
	renderer *recordingRenderer
	store    *settings.MemoryStore
}

func newTestController(t *testing.T, device string, modify func(*Deps)) *testController {
	t.Helper()
	creator := camera.NewMockSessionCreator(t.TempDir())
	renderer := &recordingRenderer{}
	store := settings.NewMemoryStore(device)
	deps := Deps{Sessions: creator, Renderer: renderer, Store: store}
	if modify != nil {
		modify(&deps)
	}
	c := NewController(deps, testOptions(), logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return &testController{Controller: c, creator: creator, renderer: renderer, store: store}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	waitUntil(t, "state "+want.String(), func() bool { return c.State() == want })
}

// waitForSession はn番目のセッションが起動するまで待つ
func waitForSession(t *testing.T, creator *camera.MockSessionCreator, n int) *camera.MockSession {
	t.Helper()
	var session *camera.MockSession
	waitUntil(t, "session start", func() bool {
		sessions := creator.Sessions()
		if len(sessions) < n {
			return false
		}
		session = sessions[n-1]
		return session.Layout().Dir != ""
	})
	return session
}

func TestController_OpenRendersFrames(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)

	if tc.State() != StateIdle {
		t.Fatalf("Expected idle, got %s", tc.State())
	}

	tc.Open()
	waitForState(t, tc.Controller, StateStarting)
	session := waitForSession(t, tc.creator, 1)
	if session.Device() != "/dev/video0" {
		t.Errorf("Unexpected device: %s", session.Device())
	}

	if err := session.WriteFrame(0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	waitForState(t, tc.Controller, StateLive)

	if err := session.WriteFrame(1); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	waitUntil(t, "second frame", func() bool { return tc.Status().LastFrame == 1 })

	events := tc.renderer.Events()
	want := []string{"loading", "frame:frame_00000.jpg", "frame:frame_00001.jpg"}
	if len(events) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], events[i])
		}
	}

	// 開いている間のOpenは何もしない
	tc.Open()
	time.Sleep(20 * time.Millisecond)
	if len(tc.creator.Sessions()) != 1 {
		t.Errorf("Open while live started another session")
	}
}

func TestController_StartTimeoutFailsOnce(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)

	tc.Open()
	waitForState(t, tc.Controller, StateFailed)
	session := tc.creator.Last()

	// 追加の発火がないことを確認する
	time.Sleep(3 * testOptions().StartTimeout)
	if n := tc.renderer.Count("error:"); n != 1 {
		t.Errorf("Expected exactly one error, got %d: %v", n, tc.renderer.Events())
	}
	if !session.Stopped() {
		t.Error("Expected session to be stopped after timeout")
	}
	if tc.Status().Error != msgStartTimeout {
		t.Errorf("Unexpected error: %q", tc.Status().Error)
	}
}

func TestController_FailureMarkerAndRetry(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)

	tc.Open()
	first := waitForSession(t, tc.creator, 1)
	if err := first.WriteFrame(0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	waitForState(t, tc.Controller, StateLive)

	if err := first.WriteErrorMarker("pipeline exited with status 1"); err != nil {
		t.Fatalf("WriteErrorMarker failed: %v", err)
	}
	waitForState(t, tc.Controller, StateFailed)

	if !strings.Contains(tc.Status().Error, "pipeline exited with status 1") {
		t.Errorf("Error does not carry marker reason: %q", tc.Status().Error)
	}
	waitUntil(t, "first session stopped", first.Stopped)

	retry := tc.renderer.RetryAction()
	if retry == nil {
		t.Fatal("Error UI did not receive a retry action")
	}
	retry()

	second := waitForSession(t, tc.creator, 2)
	if tc.State() != StateStarting {
		t.Errorf("Expected starting after retry, got %s", tc.State())
	}
	if err := second.WriteFrame(0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	// 新しいセッションは連番0から表示し直す
	waitForState(t, tc.Controller, StateLive)
	if tc.Status().LastFrame != 0 {
		t.Errorf("Expected last frame 0, got %d", tc.Status().LastFrame)
	}
}

func TestController_StartErrorFails(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)
	tc.creator.SetShouldFailStart(true)

	tc.Open()
	waitForState(t, tc.Controller, StateFailed)
	if !strings.HasPrefix(tc.Status().Error, "カメラを起動できませんでした") {
		t.Errorf("Unexpected error: %q", tc.Status().Error)
	}

	// Retryは失敗状態以外では無視される
	tc.Close()
	waitForState(t, tc.Controller, StateIdle)
	tc.Retry()
	time.Sleep(30 * time.Millisecond)
	if tc.State() != StateIdle {
		t.Errorf("Retry in idle changed state to %s", tc.State())
	}
}

func TestController_CloseReturnsToIdle(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)

	tc.Open()
	session := waitForSession(t, tc.creator, 1)
	if err := session.WriteFrame(0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	waitForState(t, tc.Controller, StateLive)

	tc.Close()
	waitForState(t, tc.Controller, StateIdle)
	waitUntil(t, "session stopped", session.Stopped)

	events := tc.renderer.Events()
	if events[len(events)-1] != "clear" {
		t.Errorf("Expected overlays to be cleared, got %v", events)
	}

	// タイマーが残っていれば表示が増える
	before := len(tc.renderer.Events())
	time.Sleep(3 * testOptions().StartTimeout)
	if after := len(tc.renderer.Events()); after != before {
		t.Errorf("Renderer received events after close: %v", tc.renderer.Events()[before:])
	}
	if tc.Status().LastFrame != -1 {
		t.Errorf("Expected last frame reset, got %d", tc.Status().LastFrame)
	}

	// 閉じてから再度開ける
	tc.Open()
	waitForSession(t, tc.creator, 2)
}

func TestController_DeviceChangeReleasesOldSessionFirst(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)
	tc.creator.SetStopDelay(50 * time.Millisecond)

	tc.Open()
	first := waitForSession(t, tc.creator, 1)
	if err := first.WriteFrame(0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	waitForState(t, tc.Controller, StateLive)

	tc.SelectDevice("/dev/video1")
	second := waitForSession(t, tc.creator, 2)

	if second.Device() != "/dev/video1" {
		t.Errorf("Expected new session on /dev/video1, got %s", second.Device())
	}
	events := tc.creator.Events()
	want := []string{"start:0:/dev/video0", "stopped:0", "start:1:/dev/video1"}
	if len(events) != len(want) {
		t.Fatalf("Expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], events[i])
		}
	}

	if tc.store.SelectedDevice() != "/dev/video1" {
		t.Errorf("Selection was not persisted: %s", tc.store.SelectedDevice())
	}
	if tc.Status().Device != "/dev/video1" {
		t.Errorf("Unexpected status device: %s", tc.Status().Device)
	}

	// 同じデバイスの選択は何もしない
	writes := tc.store.Writes()
	tc.SelectDevice("/dev/video1")
	time.Sleep(20 * time.Millisecond)
	if tc.store.Writes() != writes || len(tc.creator.Sessions()) != 2 {
		t.Error("Selecting the current device restarted the preview")
	}
}

func TestController_DeviceChangeWhileFailed(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)

	tc.Open()
	waitForState(t, tc.Controller, StateFailed)

	tc.SelectDevice("/dev/video2")
	waitUntil(t, "device change", func() bool { return tc.Status().Device == "/dev/video2" })
	if tc.State() != StateFailed {
		t.Errorf("Device change while failed must not restart, got %s", tc.State())
	}
	if len(tc.creator.Sessions()) != 1 {
		t.Errorf("Expected no new session, got %d", len(tc.creator.Sessions()))
	}

	tc.Retry()
	session := waitForSession(t, tc.creator, 2)
	if session.Device() != "/dev/video2" {
		t.Errorf("Retry did not use the new device: %s", session.Device())
	}
}

func TestController_DeviceInUse(t *testing.T) {
	availability := &fakeAvailability{available: false}
	tc := newTestController(t, "/dev/video0", func(d *Deps) { d.Availability = availability })

	tc.Open()
	waitForState(t, tc.Controller, StateFailed)
	if tc.Status().Error != msgInUse {
		t.Errorf("Expected in-use message, got %q", tc.Status().Error)
	}
	if len(tc.creator.Sessions()) != 0 {
		t.Error("Session must not start when device is in use")
	}

	availability.set(true)
	tc.Retry()
	waitForSession(t, tc.creator, 1)

	forgotten := availability.Forgotten()
	if len(forgotten) != 1 || forgotten[0] != "/dev/video0" {
		t.Errorf("Expected retry to forget cached availability, got %v", forgotten)
	}
}

func TestController_CloseDuringAvailabilityCheck(t *testing.T) {
	availability := &fakeAvailability{available: true, delay: 50 * time.Millisecond}
	tc := newTestController(t, "/dev/video0", func(d *Deps) { d.Availability = availability })

	tc.Open()
	waitForState(t, tc.Controller, StateStarting)
	tc.Close()
	waitForState(t, tc.Controller, StateIdle)

	time.Sleep(100 * time.Millisecond)
	if len(tc.creator.Sessions()) != 0 {
		t.Error("Stale availability result started a session")
	}
}

func TestController_OpenWithoutDeviceAutoSelects(t *testing.T) {
	selector := &fakeSelector{result: "/dev/video1"}
	tc := newTestController(t, "", func(d *Deps) {
		d.Devices = staticDevices{"/dev/video0", "/dev/video1"}
		d.Selector = selector
	})

	tc.Open()
	session := waitForSession(t, tc.creator, 1)
	if session.Device() != "/dev/video1" {
		t.Errorf("Expected auto-selected device, got %s", session.Device())
	}
	if tc.store.SelectedDevice() != "/dev/video1" {
		t.Errorf("Auto-selected device not persisted: %q", tc.store.SelectedDevice())
	}
}

func TestController_OpenWithoutDevicesFails(t *testing.T) {
	tc := newTestController(t, "", func(d *Deps) {
		d.Devices = staticDevices{}
		d.Selector = &fakeSelector{}
	})

	tc.Open()
	waitForState(t, tc.Controller, StateFailed)
	if tc.Status().Error != msgNoDevice {
		t.Errorf("Unexpected error: %q", tc.Status().Error)
	}
}

func TestController_AutoSelect(t *testing.T) {
	t.Run("replaces missing device", func(t *testing.T) {
		selector := &fakeSelector{}
		tc := newTestController(t, "/dev/video9", func(d *Deps) {
			d.Devices = staticDevices{"/dev/video0", "/dev/video1"}
			d.Selector = selector
		})

		tc.AutoSelect()
		waitUntil(t, "auto select", func() bool { return tc.Status().Device == "/dev/video0" })
		if tc.store.SelectedDevice() != "/dev/video0" {
			t.Errorf("Auto-selected device not persisted: %q", tc.store.SelectedDevice())
		}
		if tc.State() != StateIdle {
			t.Errorf("Auto select must not open the preview, got %s", tc.State())
		}
	})

	t.Run("keeps present device", func(t *testing.T) {
		selector := &fakeSelector{}
		tc := newTestController(t, "/dev/video1", func(d *Deps) {
			d.Devices = staticDevices{"/dev/video0", "/dev/video1"}
			d.Selector = selector
		})

		tc.AutoSelect()
		time.Sleep(30 * time.Millisecond)
		selector.mu.Lock()
		calls := selector.calls
		selector.mu.Unlock()
		if calls != 0 {
			t.Errorf("Selector must not run when stored device is present, got %d calls", calls)
		}
		if tc.Status().Device != "/dev/video1" {
			t.Errorf("Device changed: %s", tc.Status().Device)
		}
	})
}

func TestController_StateListener(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)

	var mu sync.Mutex
	var transitions []string
	tc.OnStateChange(func(prev, next State, device string) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, prev.String()+"->"+next.String()+"@"+device)
	})

	tc.Open()
	session := waitForSession(t, tc.creator, 1)
	if err := session.WriteFrame(0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := session.WriteFrame(1); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	waitForState(t, tc.Controller, StateLive)
	tc.Close()
	waitForState(t, tc.Controller, StateIdle)

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"idle->starting@/dev/video0",
		"starting->live@/dev/video0",
		"live->idle@/dev/video0",
	}
	if len(transitions) != len(want) {
		t.Fatalf("Expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestController_ShutdownWaitsForCleanup(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)
	tc.creator.SetStopDelay(50 * time.Millisecond)

	tc.Open()
	session := waitForSession(t, tc.creator, 1)
	dir := session.Layout().Dir

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	events := tc.creator.Events()
	if events[len(events)-1] != "stopped:0" {
		t.Errorf("Shutdown returned before cleanup finished: %v", events)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Session directory still exists: %v", err)
	}
	if tc.State() != StateIdle {
		t.Errorf("Expected idle after shutdown, got %s", tc.State())
	}

	// 停止後の操作は無視される
	tc.Open()
	if err := tc.Shutdown(ctx); err != nil {
		t.Errorf("Second shutdown failed: %v", err)
	}
	if len(tc.creator.Sessions()) != 1 {
		t.Error("Open after shutdown started a session")
	}
}

func TestController_ShutdownDeadline(t *testing.T) {
	tc := newTestController(t, "/dev/video0", nil)
	tc.creator.SetStopDelay(500 * time.Millisecond)

	tc.Open()
	waitForSession(t, tc.creator, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tc.Shutdown(ctx); err == nil {
		t.Error("Expected deadline error while cleanup is still running")
	}
}
