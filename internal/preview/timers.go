package preview

import (
	"slices"
	"time"
)

// タイマー名
const (
	timerRefresh      = "refresh"
	timerStartTimeout = "start-timeout"
	timerRetry        = "retry"
)

type timerEntry struct {
	id    uint64
	timer *time.Timer
}

// Timers は名前付きのキャンセル可能なタイマーの集合
// 発火はpostを通してイベントループに届けられ、キャンセル済みや置き換え済みの発火は捨てられる
// Arm/Every/Cancel/CancelAllはイベントループからのみ呼ぶこと
type Timers struct {
	post    func(func()) bool
	entries map[string]*timerEntry
	nextID  uint64
}

// NewTimers は新しいTimersを作成する
func NewTimers(post func(func()) bool) *Timers {
	return &Timers{
		post:    post,
		entries: make(map[string]*timerEntry),
	}
}

// Arm はdの後に一度だけfnを実行する。同じ名前のタイマーは先に取り消される
func (t *Timers) Arm(name string, d time.Duration, fn func()) {
	t.schedule(name, d, false, fn)
}

// Every はdごとにfnを実行する。次の発火はfnの実行後に予約される
func (t *Timers) Every(name string, d time.Duration, fn func()) {
	t.schedule(name, d, true, fn)
}

// Cancel は指定した名前のタイマーを取り消す
func (t *Timers) Cancel(name string) {
	if e, ok := t.entries[name]; ok {
		e.timer.Stop()
		delete(t.entries, name)
	}
}

// CancelAll は全てのタイマーを取り消す
func (t *Timers) CancelAll() {
	for name := range t.entries {
		t.Cancel(name)
	}
}

// Active は指定した名前のタイマーが予約中かを返す
func (t *Timers) Active(name string) bool {
	_, ok := t.entries[name]
	return ok
}

// Names は予約中のタイマー名を返す
func (t *Timers) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (t *Timers) schedule(name string, d time.Duration, repeat bool, fn func()) {
	t.Cancel(name)
	t.nextID++
	id := t.nextID
	entry := &timerEntry{id: id}
	t.entries[name] = entry

	var fire func()
	fire = func() {
		t.post(func() {
			if !t.current(name, id) {
				return
			}
			if !repeat {
				delete(t.entries, name)
			}
			fn()
			// fnの中で取り消されていれば再予約しない
			if repeat && t.current(name, id) {
				entry.timer = time.AfterFunc(d, fire)
			}
		})
	}
	entry.timer = time.AfterFunc(d, fire)
}

func (t *Timers) current(name string, id uint64) bool {
	e, ok := t.entries[name]
	return ok && e.id == id
}
