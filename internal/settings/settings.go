// Package settings はユーザーが選んだキャプチャデバイスを永続化する
//
// 保存形式はTOMLで、キーは selected_device の1つだけ。
// 読み込みは起動時、書き込みはユーザー選択と自動選択のたびに行う。
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Store は選択デバイスの保存先
type Store interface {
	// SelectedDevice は保存されているデバイスパスを返す（未設定なら空文字）
	SelectedDevice() string

	// SetSelectedDevice はデバイスパスを保存する
	SetSelectedDevice(device string) error
}

type fileData struct {
	SelectedDevice string `toml:"selected_device"`
}

// FileStore はTOMLファイルに保存するStore実装
type FileStore struct {
	path string
	mu   sync.RWMutex
	data fileData
}

// Open は設定ファイルを読み込んでFileStoreを返す。ファイルがなければ空の状態で開く
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	if _, err := toml.DecodeFile(path, &s.data); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return s, nil
}

// Path は保存先のパスを返す
func (s *FileStore) Path() string {
	return s.path
}

// SelectedDevice は保存されているデバイスパスを返す
func (s *FileStore) SelectedDevice() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.SelectedDevice
}

// SetSelectedDevice はデバイスパスを保存し、ファイルに書き出す
func (s *FileStore) SetSelectedDevice(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.SelectedDevice == device {
		return nil
	}
	next := s.data
	next.SelectedDevice = device
	if err := s.write(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

// write は一時ファイルに書いてからリネームする
func (s *FileStore) write(data fileData) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("設定ディレクトリの作成に失敗: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# campeek settings\n")
	if err := toml.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("設定のエンコードに失敗: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("設定ファイルの書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("設定ファイルの置き換えに失敗: %w", err)
	}
	return nil
}

// MemoryStore はテスト用のメモリ上のStore実装
type MemoryStore struct {
	mu     sync.Mutex
	device string
	writes int
	err    error
}

// NewMemoryStore は初期値を持つMemoryStoreを作成する
func NewMemoryStore(device string) *MemoryStore {
	return &MemoryStore{device: device}
}

// SelectedDevice は保存されているデバイスパスを返す
func (m *MemoryStore) SelectedDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// SetSelectedDevice はデバイスパスを保存する
func (m *MemoryStore) SetSelectedDevice(device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.device = device
	m.writes++
	return nil
}

// Writes は保存が呼ばれた回数を返す
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// SetError はテスト用に保存エラーを設定する
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
