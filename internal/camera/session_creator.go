package camera

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProductionSessionCreator は本番用のSessionCreator実装
type ProductionSessionCreator struct {
	backend Backend
	root    string
	grace   time.Duration
	logger  *slog.Logger
}

// NewProductionSessionCreator は新しいProductionSessionCreatorを作成する
func NewProductionSessionCreator(backend Backend, root string, grace time.Duration, logger *slog.Logger) *ProductionSessionCreator {
	return &ProductionSessionCreator{
		backend: backend,
		root:    root,
		grace:   grace,
		logger:  logger,
	}
}

// CreateSession は外部パイプラインを使うSessionを作成する
func (p *ProductionSessionCreator) CreateSession() CaptureSession {
	return NewSession(p.backend, p.root, p.grace, p.logger)
}

// MockSessionCreator はテスト用のSessionCreator実装
// 作成したセッションを順番に保持する
type MockSessionCreator struct {
	root string

	mu              sync.Mutex
	sessions        []*MockSession
	shouldFailStart bool
	stopDelay       time.Duration
	events          []string
}

// NewMockSessionCreator は新しいMockSessionCreatorを作成する
func NewMockSessionCreator(root string) *MockSessionCreator {
	return &MockSessionCreator{root: root}
}

// CreateSession はモックSessionを作成する
func (m *MockSessionCreator) CreateSession() CaptureSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &MockSession{
		creator:         m,
		id:              len(m.sessions),
		root:            m.root,
		shouldFailStart: m.shouldFailStart,
		stopDelay:       m.stopDelay,
	}
	m.sessions = append(m.sessions, s)
	return s
}

// Sessions は作成済みのセッションを返す
func (m *MockSessionCreator) Sessions() []*MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockSession, len(m.sessions))
	copy(out, m.sessions)
	return out
}

// Last は最後に作成したセッションを返す
func (m *MockSessionCreator) Last() *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

// Events は "start:<id>:<device>" / "stopped:<id>" の発生順を返す
func (m *MockSessionCreator) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	copy(out, m.events)
	return out
}

// SetShouldFailStart は以降に作成するセッションのStartを失敗させる
func (m *MockSessionCreator) SetShouldFailStart(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailStart = shouldFail
}

// SetStopDelay は以降に作成するセッションの後片付けにかかる時間を設定する
func (m *MockSessionCreator) SetStopDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopDelay = d
}

func (m *MockSessionCreator) record(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// MockSession はプロセスを起動せず一時ディレクトリだけを用意するセッション
type MockSession struct {
	creator *MockSessionCreator
	id      int
	root    string

	mu              sync.Mutex
	device          string
	layout          Layout
	startCalls      int
	running         bool
	stopped         chan struct{}
	shouldFailStart bool
	stopDelay       time.Duration
}

// Start は一時ディレクトリを作成する
func (s *MockSession) Start(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startCalls++
	if s.stopped != nil {
		return ErrSessionStopped
	}
	if s.running {
		return nil
	}
	if s.shouldFailStart {
		return fmt.Errorf("モック: パイプラインの起動に失敗")
	}

	layout := NewLayout(filepath.Join(s.root, "campeek-"+uuid.NewString()))
	if err := os.MkdirAll(layout.FramesDir, 0o755); err != nil {
		return fmt.Errorf("一時ディレクトリの作成に失敗: %w", err)
	}
	s.device = device
	s.layout = layout
	s.running = true
	s.creator.record(fmt.Sprintf("start:%d:%s", s.id, device))
	return nil
}

// Stop は設定された遅延の後に一時ディレクトリを削除する
func (s *MockSession) Stop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped != nil {
		return s.stopped
	}
	done := make(chan struct{})
	s.stopped = done
	wasRunning := s.running
	s.running = false
	dir, delay := s.layout.Dir, s.stopDelay

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if dir != "" {
			_ = os.RemoveAll(dir)
		}
		if wasRunning {
			s.creator.record(fmt.Sprintf("stopped:%d", s.id))
		}
		close(done)
	}()
	return done
}

// Layout は一時ディレクトリの構成を返す
func (s *MockSession) Layout() Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Device はStartに渡されたデバイスを返す
func (s *MockSession) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// StartCalls はStartが呼ばれた回数を返す
func (s *MockSession) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// Stopped はStopが呼ばれたかを返す
func (s *MockSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped != nil
}

// WriteFrame はテスト用にフレームファイルを作成する
func (s *MockSession) WriteFrame(index int) error {
	layout := s.Layout()
	if layout.FramesDir == "" {
		return fmt.Errorf("モック: セッションが開始されていません")
	}
	path := filepath.Join(layout.FramesDir, fmt.Sprintf("frame_%05d.jpg", index))
	return os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o644)
}

// WriteErrorMarker はテスト用に失敗マーカーを作成する
func (s *MockSession) WriteErrorMarker(reason string) error {
	layout := s.Layout()
	if layout.Dir == "" {
		return fmt.Errorf("モック: セッションが開始されていません")
	}
	return os.WriteFile(layout.ErrorFile, []byte(reason+"\n"), 0o644)
}
