package camera

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"campeek/internal/logging"
)

func TestProber_SelectWorking(t *testing.T) {
	testCases := []struct {
		name    string
		devices []string
		works   map[string]bool
		delays  map[string]time.Duration
		want    string
	}{
		{
			name:    "second device works",
			devices: []string{"/dev/video0", "/dev/video1"},
			works:   map[string]bool{"/dev/video1": true},
			want:    "/dev/video1",
		},
		{
			name:    "candidate order wins over completion order",
			devices: []string{"/dev/video0", "/dev/video1", "/dev/video2"},
			works:   map[string]bool{"/dev/video1": true, "/dev/video2": true},
			delays:  map[string]time.Duration{"/dev/video1": 50 * time.Millisecond},
			want:    "/dev/video1",
		},
		{
			name:    "nothing works falls back to first",
			devices: []string{"/dev/video4", "/dev/video5"},
			works:   map[string]bool{},
			want:    "/dev/video4",
		},
		{
			name:    "single device",
			devices: []string{"/dev/video0"},
			works:   map[string]bool{"/dev/video0": true},
			want:    "/dev/video0",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			prober := NewProberWithFunc(func(ctx context.Context, device string, _ time.Duration) bool {
				select {
				case <-time.After(tc.delays[device]):
				case <-ctx.Done():
					return false
				}
				return tc.works[device]
			}, logging.Discard())

			got, err := prober.SelectWorking(context.Background(), tc.devices, time.Second, 3*time.Second)
			if err != nil {
				t.Fatalf("SelectWorking failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestProber_NoDevices(t *testing.T) {
	prober := NewProberWithFunc(func(context.Context, string, time.Duration) bool { return true }, logging.Discard())

	if _, err := prober.SelectWorking(context.Background(), nil, time.Second, time.Second); !errors.Is(err, ErrNoDevices) {
		t.Errorf("Expected ErrNoDevices, got %v", err)
	}
}

func TestProber_OverallTimeoutFallsBack(t *testing.T) {
	prober := NewProberWithFunc(func(ctx context.Context, _ string, _ time.Duration) bool {
		<-ctx.Done()
		return false
	}, logging.Discard())

	start := time.Now()
	got, err := prober.SelectWorking(context.Background(), []string{"/dev/video0", "/dev/video1"}, time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("SelectWorking failed: %v", err)
	}
	if got != "/dev/video0" {
		t.Errorf("Expected fallback to /dev/video0, got %s", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Selection took too long: %v", elapsed)
	}
}

func TestProber_ParentCancelled(t *testing.T) {
	prober := NewProberWithFunc(func(ctx context.Context, _ string, _ time.Duration) bool {
		<-ctx.Done()
		return false
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := prober.SelectWorking(ctx, []string{"/dev/video0"}, time.Second, 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestProber_NewSelectionReplacesOld(t *testing.T) {
	var inflightFirst atomic.Int32
	var overlapped atomic.Bool
	started := make(chan struct{}, 1)

	prober := NewProberWithFunc(func(ctx context.Context, device string, _ time.Duration) bool {
		if device == "/dev/first" {
			inflightFirst.Add(1)
			defer inflightFirst.Add(-1)
			started <- struct{}{}
			<-ctx.Done()
			// 中断後も少しだけ後片付けに時間がかかる
			time.Sleep(20 * time.Millisecond)
			return false
		}
		if inflightFirst.Load() > 0 {
			overlapped.Store(true)
		}
		return true
	}, logging.Discard())

	firstErr := make(chan error, 1)
	go func() {
		_, err := prober.SelectWorking(context.Background(), []string{"/dev/first"}, 5*time.Second, 5*time.Second)
		firstErr <- err
	}()
	<-started

	got, err := prober.SelectWorking(context.Background(), []string{"/dev/second"}, time.Second, time.Second)
	if err != nil {
		t.Fatalf("Second selection failed: %v", err)
	}
	if got != "/dev/second" {
		t.Errorf("Expected /dev/second, got %s", got)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrSelectionReplaced) {
			t.Errorf("Expected ErrSelectionReplaced, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("First selection did not return")
	}

	if overlapped.Load() {
		t.Error("Second selection probed while first selection was still probing")
	}
}

func TestProber_RealCommands(t *testing.T) {
	testCases := []struct {
		name    string
		probe   []string
		timeout time.Duration
		want    bool
	}{
		{name: "success", probe: []string{"sh", "-c", "exit 0"}, timeout: 2 * time.Second, want: true},
		{name: "nonzero exit", probe: []string{"sh", "-c", "exit 1"}, timeout: 2 * time.Second, want: false},
		{name: "timeout", probe: []string{"sh", "-c", "sleep 5"}, timeout: 100 * time.Millisecond, want: false},
		{name: "missing binary", probe: []string{"campeek-no-such-binary"}, timeout: time.Second, want: false},
		{name: "empty command", probe: nil, timeout: time.Second, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			prober := NewProber(scriptBackend{probe: tc.probe}, logging.Discard())

			start := time.Now()
			if got := prober.Probe(context.Background(), "/dev/video0", tc.timeout); got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
			if elapsed := time.Since(start); elapsed > 3*time.Second {
				t.Errorf("Probe took too long: %v", elapsed)
			}
		})
	}
}
