package camera

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// lsofResult はlsofの判定結果
type lsofResult int

const (
	lsofInUse lsofResult = iota
	lsofFree
	lsofUnknown // lsofを実行できなかった
)

type availabilityEntry struct {
	available bool
	checkedAt time.Time
}

// AvailabilityChecker はデバイスが他のアプリケーションに使われていないかを調べる
// lsofで確認し、lsofが使えない場合は短時間のプローブで代用する。結果は一定時間キャッシュする
type AvailabilityChecker struct {
	prober       *Prober
	probeTimeout time.Duration
	ttl          time.Duration
	logger       *slog.Logger

	lsof func(ctx context.Context, device string) lsofResult
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]availabilityEntry
}

// NewAvailabilityChecker は新しいAvailabilityCheckerを作成する
func NewAvailabilityChecker(prober *Prober, ttl time.Duration, logger *slog.Logger) *AvailabilityChecker {
	return &AvailabilityChecker{
		prober:       prober,
		probeTimeout: 500 * time.Millisecond,
		ttl:          ttl,
		logger:       logger,
		lsof:         runLsof,
		now:          time.Now,
		cache:        make(map[string]availabilityEntry),
	}
}

// Available はデバイスが使用可能ならtrueを返す
func (a *AvailabilityChecker) Available(ctx context.Context, device string) bool {
	if available, ok := a.cached(device); ok {
		return available
	}

	var available bool
	switch a.lsof(ctx, device) {
	case lsofFree:
		available = true
	case lsofInUse:
		available = false
	default:
		a.logger.Debug("lsofが使えないためプローブで確認します", "device", device)
		available = a.prober.Probe(ctx, device, a.probeTimeout)
	}

	a.mu.Lock()
	a.cache[device] = availabilityEntry{available: available, checkedAt: a.now()}
	a.mu.Unlock()

	if !available {
		a.logger.Info("デバイスは他のアプリケーションで使用中です", "device", device)
	}
	return available
}

// Forget はデバイスのキャッシュを破棄する
func (a *AvailabilityChecker) Forget(device string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, device)
}

func (a *AvailabilityChecker) cached(device string) (bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.cache[device]
	if !ok || a.now().Sub(entry.checkedAt) >= a.ttl {
		return false, false
	}
	return entry.available, true
}

// runLsof はlsofの終了コードを判定する
// 0: 使用中のプロセスあり、1: なし
func runLsof(ctx context.Context, device string) lsofResult {
	cmd := exec.CommandContext(ctx, "lsof", device)
	err := cmd.Run()
	if err == nil {
		return lsofInUse
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 1 {
			return lsofFree
		}
		return lsofInUse
	}
	return lsofUnknown
}
