package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"campeek/internal/camera"
	"campeek/internal/config"
	"campeek/internal/settings"
)

// State はプレビューの状態
type State int

const (
	StateIdle     State = iota // プレビューを表示していない
	StateStarting              // パイプラインを起動し最初のフレームを待っている
	StateLive                  // フレームを表示中
	StateFailed                // エラーを表示中
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateLive:
		return "live"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText はJSONやMQTTの状態表記に使う
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ユーザーに見せるエラーメッセージ
const (
	msgInUse        = "カメラは他のアプリケーションで使用中です"
	msgStartTimeout = "カメラから映像を取得できませんでした"
	msgNoDevice     = "カメラデバイスが見つかりません"
)

// Availability はデバイスが他のアプリケーションに使われていないかを調べる
type Availability interface {
	Available(ctx context.Context, device string) bool
	Forget(device string)
}

// DeviceLister は自動選択の候補となるデバイスを返す
type DeviceLister interface {
	Paths() []string
}

// Selector は候補の中から動作するデバイスを選ぶ
type Selector interface {
	SelectWorking(ctx context.Context, devices []string, perProbe, overall time.Duration) (string, error)
}

// StateListener は状態が変わったときに呼ばれる
type StateListener func(prev, next State, device string)

// Options はコントローラーのタイミング設定
type Options struct {
	RefreshInterval time.Duration
	StartTimeout    time.Duration
	RetryDelay      time.Duration
	ReleaseTimeout  time.Duration
	ProbeTimeout    time.Duration
	SelectTimeout   time.Duration
}

// DefaultOptions は既定のタイミングを返す
func DefaultOptions() Options {
	return Options{
		RefreshInterval: 33 * time.Millisecond,
		StartTimeout:    2 * time.Second,
		RetryDelay:      150 * time.Millisecond,
		ReleaseTimeout:  3 * time.Second,
		ProbeTimeout:    1500 * time.Millisecond,
		SelectTimeout:   3 * time.Second,
	}
}

// OptionsFromConfig は設定ファイルの値からOptionsを作る
func OptionsFromConfig(cfg config.PreviewConfig) Options {
	return Options{
		RefreshInterval: cfg.RefreshInterval,
		StartTimeout:    cfg.StartTimeout,
		RetryDelay:      cfg.RetryDelay,
		ReleaseTimeout:  cfg.ReleaseTimeout,
		ProbeTimeout:    cfg.ProbeTimeout,
		SelectTimeout:   cfg.SelectTimeout,
	}
}

// Deps はコントローラーが使う部品
// Sessions以外は省略できる
type Deps struct {
	Sessions     camera.SessionCreator
	Renderer     Renderer
	Availability Availability
	Devices      DeviceLister
	Selector     Selector
	Store        settings.Store
}

// Status は外部に公開する状態のスナップショット
type Status struct {
	State     State  `json:"state"`
	Device    string `json:"device"`
	LastFrame int    `json:"last_frame"` // 最後に表示したフレームの連番。未表示なら-1
	FramePath string `json:"-"`
	Error     string `json:"error,omitempty"`
}

// Controller はプレビューの状態機械
// 状態は1つのイベントループが所有し、公開メソッドはイベントを送るだけ
type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	events   chan func()
	quit     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once

	// 以下はイベントループ内でのみ触る
	state        State
	device       string
	session      camera.CaptureSession
	poller       *camera.Poller
	lastRendered int
	generation   uint64
	timers       *Timers
	cleanups     []<-chan struct{}
	lastError    string
	framePath    string
	notified     Status

	mu        sync.RWMutex
	snapshot  Status
	listeners []StateListener
}

// NewController は新しいControllerを作成し、イベントループを開始する
// 初期デバイスはStoreに保存された値
func NewController(deps Deps, opts Options, logger *slog.Logger) *Controller {
	if deps.Renderer == nil {
		deps.Renderer = nopRenderer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:         deps,
		opts:         opts,
		logger:       logger,
		events:       make(chan func(), 64),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		lastRendered: -1,
	}
	c.timers = NewTimers(c.post)
	if deps.Store != nil {
		c.device = deps.Store.SelectedDevice()
	}
	c.snapshot = c.status()
	c.notified = c.snapshot

	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post はイベントループに関数を送る。停止後はfalse
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// Open はプレビューを開始する（メニューを開いた）
func (c *Controller) Open() {
	c.post(c.handleOpen)
}

// Close はプレビューを停止してIdleに戻る（メニューを閉じた）
func (c *Controller) Close() {
	c.post(c.handleClose)
}

// Retry はエラー表示から再試行する
func (c *Controller) Retry() {
	c.post(c.handleRetry)
}

// SelectDevice は使用するデバイスを変更して保存する
// 表示中であれば古いセッションを解放してから新しいデバイスで開始する
func (c *Controller) SelectDevice(device string) {
	c.post(func() { c.handleSelect(device) })
}

// AutoSelect は保存されたデバイスが空か一覧にない場合に、動作するデバイスを選んで保存する
func (c *Controller) AutoSelect() {
	c.post(c.handleAutoSelect)
}

// OnStateChange は状態変化を受け取る関数を登録する
func (c *Controller) OnStateChange(fn StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State は現在の状態を返す
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.State
}

// Status は現在の状態のスナップショットを返す
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Shutdown はプレビューを停止してイベントループを終了する
// 実行中のセッションの後片付けはctxの期限まで待つ
func (c *Controller) Shutdown(ctx context.Context) error {
	var cleanups []<-chan struct{}
	c.shutdown.Do(func() {
		closed := make(chan struct{})
		if c.post(func() {
			c.handleClose()
			cleanups = c.pendingCleanups()
			close(closed)
		}) {
			<-closed
		}
		c.cancel()
		close(c.quit)
		<-c.loopDone
	})

	for _, done := range cleanups {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("セッションの後片付けを待てませんでした: %w", ctx.Err())
		}
	}
	return nil
}

func (c *Controller) handleOpen() {
	switch c.state {
	case StateIdle:
		c.begin()
	default:
		// 表示中、またはエラー表示中は再試行を待つ
	}
}

func (c *Controller) handleClose() {
	if c.state == StateIdle {
		return
	}
	c.timers.CancelAll()
	c.releaseSession()
	c.generation++
	c.lastRendered = -1
	c.framePath = ""
	c.lastError = ""
	c.setState(StateIdle)
	if clearer, ok := c.deps.Renderer.(Clearer); ok {
		clearer.Clear()
	}
}

func (c *Controller) handleRetry() {
	if c.state != StateFailed {
		return
	}
	c.timers.Arm(timerRetry, c.opts.RetryDelay, func() {
		if c.state != StateFailed {
			return
		}
		if c.deps.Availability != nil && c.device != "" {
			c.deps.Availability.Forget(c.device)
		}
		c.begin()
	})
}

func (c *Controller) handleSelect(device string) {
	if device == c.device {
		return
	}
	c.logger.Info("デバイスを変更します", "from", c.device, "to", device, "state", c.state)
	c.setDevice(device)

	switch c.state {
	case StateStarting, StateLive:
		c.timers.CancelAll()
		c.releaseSession()
		c.begin()
	default:
		// Idle/Failedでは次の開始時に使う
		c.publish()
	}
}

func (c *Controller) handleAutoSelect() {
	if c.device != "" && (c.deps.Devices == nil || slices.Contains(c.deps.Devices.Paths(), c.device)) {
		return
	}
	if c.deps.Selector == nil || c.deps.Devices == nil {
		return
	}
	candidates := c.deps.Devices.Paths()
	if len(candidates) == 0 {
		c.logger.Warn("自動選択の候補がありません")
		return
	}

	go func() {
		device, err := c.deps.Selector.SelectWorking(c.ctx, candidates, c.opts.ProbeTimeout, c.opts.SelectTimeout)
		if err != nil {
			if !errors.Is(err, camera.ErrSelectionReplaced) && !errors.Is(err, context.Canceled) {
				c.logger.Warn("デバイスの自動選択に失敗", "error", err)
			}
			return
		}
		c.post(func() { c.handleSelect(device) })
	}()
}

// begin はStartingに入り、セッションの起動を始める
func (c *Controller) begin() {
	c.timers.CancelAll()
	c.generation++
	gen := c.generation
	c.lastRendered = -1
	c.framePath = ""
	c.lastError = ""
	c.setState(StateStarting)
	c.deps.Renderer.ShowLoading()

	if c.device == "" {
		c.selectThenLaunch(gen)
		return
	}
	c.launch(gen)
}

// selectThenLaunch はデバイス未設定のときに自動選択してから起動する
func (c *Controller) selectThenLaunch(gen uint64) {
	var candidates []string
	if c.deps.Devices != nil {
		candidates = c.deps.Devices.Paths()
	}
	if c.deps.Selector == nil || len(candidates) == 0 {
		c.fail(msgNoDevice)
		return
	}

	go func() {
		device, err := c.deps.Selector.SelectWorking(c.ctx, candidates, c.opts.ProbeTimeout, c.opts.SelectTimeout)
		c.post(func() {
			if errors.Is(err, camera.ErrSelectionReplaced) {
				return
			}
			if gen != c.generation {
				// 選択中に閉じられた場合も結果は覚えておく
				if err == nil && c.device == "" {
					c.setDevice(device)
					c.publish()
				}
				return
			}
			if err != nil {
				c.logger.Warn("デバイスの自動選択に失敗", "error", err)
				c.fail(msgNoDevice)
				return
			}
			c.setDevice(device)
			c.launch(gen)
		})
	}()
}

// launch は古いセッションの解放と使用中チェックを待ってからセッションを起動する
// 待っている間もイベントループは止めない
func (c *Controller) launch(gen uint64) {
	device := c.device
	pending := c.pendingCleanups()
	check := c.deps.Availability
	if len(pending) == 0 && check == nil {
		c.startSession(gen)
		return
	}

	go func() {
		c.waitReleased(pending)
		available := true
		if check != nil {
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.ProbeTimeout)
			available = check.Available(ctx, device)
			cancel()
		}
		c.post(func() {
			if gen != c.generation || c.state != StateStarting {
				return
			}
			if !available {
				c.fail(msgInUse)
				return
			}
			c.startSession(gen)
		})
	}()
}

func (c *Controller) startSession(gen uint64) {
	session := c.deps.Sessions.CreateSession()
	c.session = session
	if err := session.Start(c.device); err != nil {
		c.logger.Error("セッションの起動に失敗", "device", c.device, "error", err)
		c.fail(fmt.Sprintf("カメラを起動できませんでした: %v", err))
		return
	}
	c.poller = camera.NewPoller(session.Layout(), c.logger)

	c.timers.Arm(timerStartTimeout, c.opts.StartTimeout, func() {
		if gen != c.generation || c.state != StateStarting {
			return
		}
		c.logger.Warn("時間内に最初のフレームが届きませんでした", "device", c.device, "timeout", c.opts.StartTimeout)
		c.fail(msgStartTimeout)
	})
	c.timers.Every(timerRefresh, c.opts.RefreshInterval, c.tick)
}

// tick は1回分のポーリング
func (c *Controller) tick() {
	if c.poller == nil {
		return
	}
	res := c.poller.Tick(c.lastRendered)
	switch {
	case res.Failed:
		c.logger.Warn("キャプチャパイプラインが失敗しました", "device", c.device, "reason", res.Reason)
		c.fail(fmt.Sprintf("カメラでエラーが発生しました: %s", res.Reason))
	case res.HasFrame:
		c.lastRendered = res.Frame.Index
		c.framePath = res.Frame.Path
		c.deps.Renderer.ShowFrame(res.Frame.Path)
		if c.state == StateStarting {
			c.timers.Cancel(timerStartTimeout)
			c.setState(StateLive)
			return
		}
		c.publish()
	}
}

// fail はStarting/LiveからFailedへ移る。1回の失敗につき1度だけエラーを表示する
func (c *Controller) fail(message string) {
	if c.state != StateStarting && c.state != StateLive {
		return
	}
	c.timers.CancelAll()
	c.releaseSession()
	c.generation++
	c.lastError = message
	c.setState(StateFailed)
	c.deps.Renderer.ShowError(message, c.Retry)
}

// releaseSession は現在のセッションの停止を始める。後片付けは待たない
func (c *Controller) releaseSession() {
	if c.session == nil {
		return
	}
	c.cleanups = append(c.pendingCleanups(), c.session.Stop())
	c.session = nil
	c.poller = nil
}

// pendingCleanups はまだ終わっていない後片付けを返す
func (c *Controller) pendingCleanups() []<-chan struct{} {
	pending := c.cleanups[:0]
	for _, done := range c.cleanups {
		select {
		case <-done:
		default:
			pending = append(pending, done)
		}
	}
	c.cleanups = pending
	return append([]<-chan struct{}(nil), pending...)
}

// waitReleased は古いセッションの後片付けをReleaseTimeoutまで待つ
func (c *Controller) waitReleased(pending []<-chan struct{}) {
	if len(pending) == 0 {
		return
	}
	timer := time.NewTimer(c.opts.ReleaseTimeout)
	defer timer.Stop()
	for _, done := range pending {
		select {
		case <-done:
		case <-timer.C:
			c.logger.Warn("古いセッションの解放を待ちきれませんでした", "timeout", c.opts.ReleaseTimeout)
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) setDevice(device string) {
	c.device = device
	if c.deps.Store == nil {
		return
	}
	if err := c.deps.Store.SetSelectedDevice(device); err != nil {
		c.logger.Warn("選択デバイスの保存に失敗", "device", device, "error", err)
	}
}

func (c *Controller) setState(next State) {
	if c.state != next {
		c.logger.Debug("プレビューの状態遷移", "from", c.state, "to", next, "device", c.device)
	}
	c.state = next
	c.publish()
}

// publish はスナップショットを更新し、状態かデバイスが変わっていればリスナーに通知する
func (c *Controller) publish() {
	status := c.status()

	c.mu.Lock()
	c.snapshot = status
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	prev := c.notified
	if prev.State == status.State && prev.Device == status.Device {
		return
	}
	c.notified = status
	for _, fn := range listeners {
		fn(prev.State, status.State, status.Device)
	}
}

func (c *Controller) status() Status {
	return Status{
		State:     c.state,
		Device:    c.device,
		LastFrame: c.lastRendered,
		FramePath: c.framePath,
		Error:     c.lastError,
	}
}
