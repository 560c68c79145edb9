// ============================================================================
// shiftplan 狀態協調器 - 工作階段的唯一擁有者
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 接收 Intent，依序處理，並對外發送不可變的 Snapshot
//
// 架構設計:
//   單一 loop goroutine 擁有全部工作階段狀態（員工、活動、需求設定、
//   不可排班覆蓋層、排班文件、歷史區段、訓練進度）。
//   - Intent 依到達順序一次處理一個
//   - 需要 I/O 的 Intent 在其他 goroutine 執行，完成後把結果以 closure
//     送回 loop 套用；期間 loop 仍持續折入 store 推送與訓練進度
//   - 串接的 Intent（LoadInitialData → LoadSchedules）附加到佇列尾端
//
// 背景任務 (internal/background):
//   - 訓練閘門（LoadInitialData 之後）
//   - 樂觀移動之後的持久化、回饋紀錄、重新訓練
//   失敗只記錄 log 與 metrics，不會改變 Snapshot
//
// 並發安全:
//   - 狀態只在 loop goroutine 讀寫
//   - mu 只保護 current 與訂閱者
//   - Stop() 取消 context，等待 loop、I/O goroutine 與背景任務退出
//
// ============================================================================

package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/shiftplan/internal/background"
	"github.com/ChuLiYu/shiftplan/internal/company"
	"github.com/ChuLiYu/shiftplan/internal/metrics"
	"github.com/ChuLiYu/shiftplan/internal/remote"
	"github.com/ChuLiYu/shiftplan/internal/store"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Remote is the part of the remote service the coordinator uses.
// *remote.Client implements it.
type Remote interface {
	FetchEmployees(ctx context.Context) ([]types.Employee, error)
	FetchActivities(ctx context.Context) ([]types.Activity, error)
	FetchDemand(ctx context.Context) (types.DemandConfig, error)
	LearnDemand(ctx context.Context) (types.DemandConfig, error)
	FetchPeriods(ctx context.Context, start, end string) ([]types.Period, error)
	EnsureTrained(ctx context.Context, onProgress remote.ProgressFunc) (remote.GateResult, error)
	TriggerRetrain(ctx context.Context) (string, error)
	Generate(ctx context.Context, req types.GenerateRequest) (*remote.JobResult, error)
	Release(id types.JobID)
}

var _ Remote = (*remote.Client)(nil)

// Config Coordinator 配置
type Config struct {
	RejectStalePushes bool          // 丟棄版本低於本地的推送
	HistoryDays       int           // 比較視窗天數，預設 7
	MinRestHours      int           // 生成請求的最少休息時數，預設 11
	ShiftStart        string        // 需求班次開始時間，預設 08:00
	ShiftEnd          string        // 需求班次結束時間，預設 16:00
	ShiftRole         string        // 需求班次職位，預設 worker
	BackgroundWorkers int           // 背景 worker 數量，預設 2
	QueueSize         int           // Intent 緩衝大小，預設 64
	TaskTimeout       time.Duration // 背景任務超時，預設 30s

	// Now returns the current time; tests pin it.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HistoryDays <= 0 {
		c.HistoryDays = 7
	}
	if c.MinRestHours <= 0 {
		c.MinRestHours = 11
	}
	if c.ShiftStart == "" {
		c.ShiftStart = "08:00"
	}
	if c.ShiftEnd == "" {
		c.ShiftEnd = "16:00"
	}
	if c.ShiftRole == "" {
		c.ShiftRole = DefaultShiftRole
	}
	if c.BackgroundWorkers <= 0 {
		c.BackgroundWorkers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = background.DefaultTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Deps are the collaborators. Metrics and Logger are optional.
type Deps struct {
	Remote  Remote
	Store   store.LiveStore
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// session 工作階段狀態，只由 loop goroutine 存取
type session struct {
	phase      Phase
	message    string
	employees  []types.Employee
	activities []types.Activity
	demand     types.DemandConfig
	overlay    Overlay
	schedules  []types.ScheduleDocument
	history    []types.Period
	training   types.TrainingStatus
	lastMove   MoveResult
}

type envelope struct {
	intent Intent
	reply  chan Outcome // nil for Post and chained intents
}

type subscriber struct {
	ch chan Snapshot
}

// Coordinator owns the session and turns intents into snapshots.
type Coordinator struct {
	cfg     Config
	remote  Remote
	store   store.LiveStore
	runner  *background.Runner
	metrics *metrics.Collector
	logger  *slog.Logger

	intake chan *envelope
	events chan func()

	trainingMu      sync.Mutex
	pendingTraining *types.TrainingStatus
	trainingSig     chan struct{}

	// loop goroutine only
	state     session
	queue     []*envelope
	busy      bool
	seq       uint64
	subGen    uint64
	subCancel context.CancelFunc

	ctx     context.Context
	cancel  context.CancelFunc
	company string
	done    chan struct{}
	runWg   sync.WaitGroup // loop
	ioWg    sync.WaitGroup // I/O goroutines, push forwarders, result drain

	mu         sync.Mutex
	started    bool
	stopped    bool
	current    Snapshot
	subs       map[*subscriber]struct{}
	subsClosed bool
}

// ============================================================================
// 生命週期
// ============================================================================

// New builds a Coordinator in the Initial phase. Nothing runs until Start.
func New(cfg Config, deps Deps) *Coordinator {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:     cfg,
		remote:  deps.Remote,
		store:   deps.Store,
		metrics: deps.Metrics,
		logger:  logger,
		runner: background.New(cfg.QueueSize,
			background.WithLogger(logger),
			background.WithMetrics(deps.Metrics)),
		intake: make(chan *envelope, cfg.QueueSize),
		events: make(chan func()),

		trainingSig: make(chan struct{}, 1),
		done:   make(chan struct{}),
		subs:   make(map[*subscriber]struct{}),
		state: session{
			phase:    PhaseInitial,
			demand:   types.DefaultDemandConfig(),
			training: types.IdleTrainingStatus(),
		},
	}
	c.current = c.buildSnapshot()
	return c
}

// Start runs the loop. The company in ctx is attached to every remote call,
// including background tasks; cancelling ctx has the same effect as Stop
// except that Stop still has to be called to wait for shutdown.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	c.company = company.FromContext(ctx)
	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := c.runner.Start(c.cfg.BackgroundWorkers); err != nil {
		c.cancel()
		return err
	}
	c.started = true

	c.runWg.Add(1)
	go c.run()
	c.ioWg.Add(1)
	go c.drainResults()

	c.logger.Info("coordinator.started", "company", c.company, "reject_stale_pushes", c.cfg.RejectStalePushes)
	return nil
}

// Stop cancels in-flight I/O and background tasks, waits for every
// goroutine and closes all snapshot subscriptions. Safe to call twice.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if started {
		c.cancel()
		c.runWg.Wait()
		c.runner.Stop()
		c.ioWg.Wait()
	}

	c.mu.Lock()
	c.subsClosed = true
	for sub := range c.subs {
		close(sub.ch)
		delete(c.subs, sub)
	}
	c.mu.Unlock()

	c.logger.Info("coordinator.stopped")
}

// ============================================================================
// 對外 API
// ============================================================================

// Post queues intent without waiting for it.
func (c *Coordinator) Post(intent Intent) error {
	return c.post(&envelope{intent: intent})
}

// Do queues intent and waits until it has been handled. The returned error
// equals Outcome.Err unless ctx ended or the coordinator stopped first.
func (c *Coordinator) Do(ctx context.Context, intent Intent) (Outcome, error) {
	env := &envelope{intent: intent, reply: make(chan Outcome, 1)}
	if err := c.post(env); err != nil {
		return Outcome{}, err
	}
	select {
	case out := <-env.reply:
		return out, out.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-c.done:
		return Outcome{}, ErrStopped
	}
}

func (c *Coordinator) post(env *envelope) error {
	c.mu.Lock()
	started, stopped := c.started, c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}
	select {
	case c.intake <- env:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// Subscribe returns a channel that immediately holds the current snapshot
// and then the newest one after every change. A slow reader skips
// intermediate snapshots. cancel closes the channel.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	sub := &subscriber{ch: make(chan Snapshot, 1)}

	c.mu.Lock()
	if c.subsClosed {
		c.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	c.subs[sub] = struct{}{}
	sub.ch <- c.current.Clone()
	c.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[sub]; ok {
				delete(c.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Current returns a copy of the latest snapshot.
func (c *Coordinator) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// ============================================================================
// Loop
// ============================================================================

func (c *Coordinator) run() {
	defer c.runWg.Done()
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case env := <-c.intake:
			c.queue = append(c.queue, env)
		case fn := <-c.events:
			fn()
		case <-c.trainingSig:
			c.foldTraining()
		}
		c.pump()
	}
}

// pump starts queued intents until one of them goes off-loop.
func (c *Coordinator) pump() {
	for !c.busy && len(c.queue) > 0 {
		env := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.handle(env)
	}
}

func (c *Coordinator) shutdown() {
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
drain:
	for {
		select {
		case env := <-c.intake:
			c.queue = append(c.queue, env)
		default:
			break drain
		}
	}
	for _, env := range c.queue {
		if env.reply != nil {
			env.reply <- Outcome{Err: ErrStopped}
		}
	}
	c.queue = nil
}

// exec runs fn on the loop goroutine. It must not be called from the loop
// itself. false means the coordinator is stopping and fn was dropped.
func (c *Coordinator) exec(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// async marks the loop busy and runs work on its own goroutine. The closure
// work returns is applied on the loop; its error becomes the outcome.
func (c *Coordinator) async(env *envelope, work func(ctx context.Context) func() error) {
	c.busy = true
	c.ioWg.Add(1)
	go func() {
		defer c.ioWg.Done()
		apply := work(c.ctx)
		c.exec(func() {
			err := apply()
			c.busy = false
			c.complete(env, Outcome{Err: err})
		})
	}()
}

func (c *Coordinator) complete(env *envelope, out Outcome) {
	if env.reply == nil {
		return
	}
	c.mu.Lock()
	out.Snapshot = c.current.Clone()
	c.mu.Unlock()
	env.reply <- out
}

// enqueue appends a chained intent behind everything already queued.
func (c *Coordinator) enqueue(intent Intent) {
	c.queue = append(c.queue, &envelope{intent: intent})
}

func (c *Coordinator) setPhase(p Phase, message string) {
	c.state.phase = p
	c.state.message = message
}

func (c *Coordinator) fail(err error) {
	c.setPhase(PhaseError, userMessage(err))
	c.emit()
}

// emit publishes the session as the next snapshot.
func (c *Coordinator) emit() {
	c.seq++
	snap := c.buildSnapshot()

	c.mu.Lock()
	c.current = snap
	for sub := range c.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snap.Clone()
	}
	c.mu.Unlock()

	c.metrics.RecordSnapshot(string(snap.Phase))
	c.logger.Debug("coordinator.snapshot", "seq", snap.Seq, "phase", snap.Phase, "message", snap.Message)
}

func (c *Coordinator) buildSnapshot() Snapshot {
	s := c.state
	return Snapshot{
		Seq:              c.seq,
		Phase:            s.phase,
		Message:          s.message,
		Employees:        s.employees,
		Activities:       s.activities,
		DemandConfig:     s.demand,
		Unavailabilities: s.overlay.List(),
		Schedules:        s.schedules,
		History:          s.history,
		Training:         s.training,
		LastMove:         s.lastMove,
	}.Clone()
}

// taskContext attaches the session company to a background task context.
func (c *Coordinator) taskContext(ctx context.Context) context.Context {
	return company.WithID(ctx, c.company)
}

// drainResults consumes the runner's result channel. Failures are already
// logged and counted by the runner; here they are tagged with the company.
func (c *Coordinator) drainResults() {
	defer c.ioWg.Done()
	for {
		res, err := c.runner.ReceiveResult()
		if err != nil {
			return
		}
		c.logger.Debug("coordinator.background.result",
			"kind", res.Kind, "company", c.company, "ok", res.Err == nil, "elapsed_ms", res.Duration.Milliseconds())
	}
}
