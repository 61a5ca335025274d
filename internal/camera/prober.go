package camera

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ProbeFunc は1台のデバイスを検査する関数
type ProbeFunc func(ctx context.Context, device string, timeout time.Duration) bool

// Prober は候補デバイスを短時間のキャプチャで検査し、使えるものを選ぶ
type Prober struct {
	probe  ProbeFunc
	logger *slog.Logger

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewProber はバックエンドのプローブコマンドを使うProberを作成する
func NewProber(backend Backend, logger *slog.Logger) *Prober {
	p := &Prober{logger: logger}
	p.probe = func(ctx context.Context, device string, timeout time.Duration) bool {
		return runProbeCommand(ctx, backend.ProbeCommand(device), timeout, logger)
	}
	return p
}

// NewProberWithFunc は任意の検査関数を使うProberを作成する
func NewProberWithFunc(fn ProbeFunc, logger *slog.Logger) *Prober {
	return &Prober{probe: fn, logger: logger}
}

// Probe はデバイスが時間内に1フレーム返せるかを調べる
// 起動失敗、非ゼロ終了、タイムアウトはいずれもfalse
func (p *Prober) Probe(ctx context.Context, device string, timeout time.Duration) bool {
	return p.probe(ctx, device, timeout)
}

// SelectWorking は候補を並行して検査し、元の順序で最初に成功したデバイスを返す
// 成功がなければ先頭の候補を返す。実行中の選択があれば中断させてから始める
func (p *Prober) SelectWorking(ctx context.Context, devices []string, perProbe, overall time.Duration) (string, error) {
	if len(devices) == 0 {
		return "", ErrNoDevices
	}

	base, cancelCause := context.WithCancelCause(ctx)
	selCtx, cancelTimeout := context.WithTimeout(base, overall)
	done := make(chan struct{})

	p.mu.Lock()
	prevCancel, prevDone := p.cancel, p.done
	p.cancel = func() { cancelCause(ErrSelectionReplaced) }
	p.done = done
	p.mu.Unlock()

	// 前の選択が完全に終わるまで待つ
	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	type result struct {
		index int
		ok    bool
	}
	results := make(chan result, len(devices))
	var wg sync.WaitGroup
	for i, device := range devices {
		wg.Add(1)
		go func(i int, device string) {
			defer wg.Done()
			results <- result{index: i, ok: p.probe(selCtx, device, perProbe)}
		}(i, device)
	}

	defer func() {
		cancelTimeout()
		cancelCause(nil)
		p.mu.Lock()
		if p.done == done {
			p.cancel = nil
			p.done = nil
		}
		p.mu.Unlock()
		// 残っているプローブの終了を待ってから次の選択を許可する
		go func() {
			wg.Wait()
			close(done)
		}()
	}()

	ok := make([]bool, len(devices))
	received := 0
collect:
	for received < len(devices) {
		select {
		case r := <-results:
			ok[r.index] = r.ok
			received++
		case <-selCtx.Done():
			break collect
		}
	}

	if errors.Is(context.Cause(base), ErrSelectionReplaced) {
		return "", ErrSelectionReplaced
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	for i, device := range devices {
		if ok[i] {
			p.logger.Info("動作するデバイスを選択しました", "device", device, "probed", received)
			return device, nil
		}
	}

	p.logger.Warn("動作確認できたデバイスがないため先頭の候補を使います",
		"device", devices[0], "probed", received, "candidates", len(devices))
	return devices[0], nil
}

// runProbeCommand はプローブコマンドを独立したプロセスグループで実行する
func runProbeCommand(ctx context.Context, args []string, timeout time.Duration, logger *slog.Logger) bool {
	if len(args) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 500 * time.Millisecond

	start := time.Now()
	if err := cmd.Run(); err != nil {
		logger.Debug("プローブに失敗", "cmd", args[0], "args", args[1:], "elapsed", time.Since(start), "error", err)
		return false
	}
	return true
}
