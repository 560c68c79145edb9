// ============================================================================
// Shiftplan Background Runner - 背景任務執行器
// ============================================================================
//
// Package: internal/background
// 文件: runner.go
// 功能: 執行與狀態協調器分離的副作用任務
//
// 用途:
//   協調器在樂觀更新之後，需要把結果寫回 live store、記錄 feedback、
//   觸發 retrain，以及在初始載入時跑 training gate。這些任務：
//   1. 不得阻塞協調器的 intent 佇列
//   2. 失敗只記錄，不回滾已發出的 snapshot
//   3. 各自帶有逾時
//
// 架構組件:
//   ┌─────────────┐
//   │ Coordinator │ --Submit()--> taskCh
//   └─────────────┘
//                    ┌────────────┐
//                    │  Runner    │
//                    │  worker 1 ←── taskCh ──→ resultCh (best-effort)
//                    │  worker 2 ←── taskCh
//                    └────────────┘
//
// 生命週期:
//   1. New() - 建立 Runner
//   2. Start(n) - 啟動 n 個 worker goroutine
//   3. Submit(task) - 提交任務
//   4. Stop() - 取消執行中的任務並等待所有 worker 結束
//
// 並發控制:
//   Submit 在送出期間持有讀鎖，Stop 先關閉 stopCh 再取得寫鎖才關閉
//   taskCh，因此不會對已關閉的 channel 送值。
//
// ============================================================================

package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/shiftplan/internal/metrics"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrRunnerClosed 表示 Runner 已關閉，無法提交新任務
	ErrRunnerClosed = errors.New("background runner is closed")
	// ErrRunnerNotStarted 表示 Runner 尚未啟動
	ErrRunnerNotStarted = errors.New("background runner not started")
	// ErrAlreadyStarted 重複呼叫 Start
	ErrAlreadyStarted = errors.New("background runner already started")
)

// DefaultTimeout 任務未指定 Timeout 時使用
const DefaultTimeout = 30 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Task 是一個背景副作用
type Task struct {
	ID      string                          // 用於日誌
	Kind    string                          // persist / feedback / retrain / gate ...
	Timeout time.Duration                   // 0 表示 DefaultTimeout，負數表示不設逾時
	Run     func(ctx context.Context) error // 任務本體
}

// Result 任務執行結果
type Result struct {
	TaskID   string
	Kind     string
	Err      error
	Duration time.Duration
}

// Option 設定 Runner
type Option func(*Runner)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics 每個任務結束時記錄到 m
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = m }
}

// Runner 管理 worker goroutine 與任務分發
type Runner struct {
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}

	// 所有任務的父 context，Stop 時取消
	ctx    context.Context
	cancel context.CancelFunc

	logger  *slog.Logger
	metrics *metrics.Collector

	wg      sync.WaitGroup
	sendMu  sync.RWMutex // Submit 送出期間持有讀鎖
	mu      sync.Mutex   // 保護 started / stopped / workers
	workers int
	started bool
	stopped bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Runner，bufferSize 同時是任務佇列與結果通道的容量
func New(bufferSize int, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Start 啟動 workerCount 個 worker
func (r *Runner) Start(workerCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.work(id)
		}(i)
	}

	r.workers = workerCount
	r.started = true
	return nil
}

// Submit 提交任務；佇列滿時阻塞直到有空位或 Runner 關閉
func (r *Runner) Submit(task Task) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrRunnerNotStarted
	}
	if r.stopped {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.mu.Unlock()

	r.sendMu.RLock()
	defer r.sendMu.RUnlock()

	select {
	case <-r.stopCh:
		return ErrRunnerClosed
	default:
	}

	select {
	case r.taskCh <- task:
		return nil
	case <-r.stopCh:
		return ErrRunnerClosed
	}
}

// Go 是 Submit 的簡寫
func (r *Runner) Go(kind string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return r.Submit(Task{Kind: kind, Timeout: timeout, Run: fn})
}

// ReceiveResult 從結果通道讀取一筆結果
func (r *Runner) ReceiveResult() (Result, error) {
	result, ok := <-r.resultCh
	if !ok {
		return Result{}, ErrRunnerClosed
	}
	return result, nil
}

// Stop 關閉 Runner：
//  1. 設定 stopped，關閉 stopCh，不再接受新任務
//  2. 取消所有任務的 context
//  3. 等待 Submit 釋放讀鎖後關閉 taskCh
//  4. 等待所有 worker 結束，最後關閉 resultCh
//
// 佇列中尚未執行的任務會以已取消的 context 執行並立即回報錯誤。
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	r.cancel()

	r.sendMu.Lock()
	close(r.taskCh)
	r.sendMu.Unlock()

	r.wg.Wait()
	close(r.resultCh)
}

// WorkerCount 回傳 worker 數量
func (r *Runner) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers
}

// IsStarted 檢查是否已啟動
func (r *Runner) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// ============================================================================
// Worker
// ============================================================================

func (r *Runner) work(id int) {
	for task := range r.taskCh {
		start := time.Now()
		err := r.execute(task)

		result := Result{
			TaskID:   task.ID,
			Kind:     task.Kind,
			Err:      err,
			Duration: time.Since(start),
		}
		r.metrics.RecordBackgroundTask(task.Kind, err)
		if err != nil {
			r.logger.Warn("background.task.failed",
				"worker", id,
				"kind", task.Kind,
				"task_id", task.ID,
				"error", err,
				"elapsed_ms", result.Duration.Milliseconds(),
			)
		} else {
			r.logger.Debug("background.task.done",
				"worker", id,
				"kind", task.Kind,
				"task_id", task.ID,
				"elapsed_ms", result.Duration.Milliseconds(),
			)
		}

		// 結果通道只是觀察用，滿了就丟棄
		select {
		case r.resultCh <- result:
		default:
		}
	}
}

// execute 執行單一任務，panic 轉為錯誤
func (r *Runner) execute(task Task) (err error) {
	if task.Run == nil {
		return fmt.Errorf("task %q has no body", task.Kind)
	}

	ctx := r.ctx
	switch {
	case task.Timeout == 0:
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	case task.Timeout > 0:
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %q panicked: %v", task.Kind, rec)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return task.Run(ctx)
}
