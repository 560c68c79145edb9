// ============================================================================
// Shiftplan 任務追蹤器 - 遠端任務狀態機
// ============================================================================
//
// Package: internal/jobtracker
// 文件: tracker.go
// 功能: 記錄本程序提交過的遠端最佳化任務，以及它們最後一次被觀察到的狀態
//
// 任務狀態轉換 (State Machine):
//   Queued (已提交)
//      ↓ Observe(processing)
//   Processing (遠端求解中)
//      ↓ Observe(completed | failed)
//   Completed / Failed (終態)
//      ↓ Forget()  ← 協調器消費結果後釋放
//
// 狀態轉換規則:
//   - 非終態之間可任意轉換（遠端可能回報 queued → processing → queued）
//   - 終態不可再轉換，Observe 回傳 ErrTerminal
//   - Forget 只移除記錄，不影響遠端
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲
//   active map           - 尚未到終態的任務索引（用於 in-flight 指標）
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 輪詢 goroutine 寫入，協調器與指標讀取
//
// ============================================================================

package jobtracker

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already tracked")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務已在終態
	ErrTerminal = errors.New("job already terminal")
)

// Tracker 任務追蹤器
type Tracker struct {
	mu     sync.RWMutex
	jobs   map[types.JobID]*types.Job // 所有追蹤中的任務
	active map[types.JobID]struct{}   // 非終態任務索引
	now    func() time.Time
}

// New 建立新的追蹤器
func New() *Tracker {
	return &Tracker{
		jobs:   make(map[types.JobID]*types.Job),
		active: make(map[types.JobID]struct{}),
		now:    time.Now,
	}
}

// Track 記錄一個剛提交的任務，初始狀態為 queued
func (t *Tracker) Track(id types.JobID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[id]; exists {
		return ErrDuplicateJob
	}

	ts := t.now().UnixMilli()
	t.jobs[id] = &types.Job{
		ID:        id,
		Status:    types.StatusQueued,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	t.active[id] = struct{}{}
	return nil
}

// Observe 記錄一次輪詢結果
//
// 參數：
//   - id: 任務 ID
//   - status: 本次輪詢看到的狀態（空字串表示輪詢本身失敗，只累計次數）
//   - errMsg: 遠端錯誤訊息（failed 時）
func (t *Tracker) Observe(id types.JobID, status types.JobStatus, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}

	job.Attempts++
	job.UpdatedAt = t.now().UnixMilli()
	if status == "" {
		return nil
	}

	job.Status = status
	if status == types.StatusFailed {
		job.Error = errMsg
	}
	if status.Terminal() {
		delete(t.active, id)
	}
	return nil
}

// Abandon 將仍在進行中的任務標記為失敗（逾時或取消），遠端可能仍在執行
func (t *Tracker) Abandon(id types.JobID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = types.StatusFailed
	job.Error = reason
	job.UpdatedAt = t.now().UnixMilli()
	delete(t.active, id)
}

// Forget 釋放任務記錄
func (t *Tracker) Forget(id types.JobID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.jobs, id)
	delete(t.active, id)
}

// Get 取得任務副本
func (t *Tracker) Get(id types.JobID) (types.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// InFlight 回傳尚未到終態的任務數
func (t *Tracker) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// Stats 取得各狀態任務數量
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[string]int{
		string(types.StatusQueued):     0,
		string(types.StatusProcessing): 0,
		string(types.StatusCompleted):  0,
		string(types.StatusFailed):     0,
	}
	for _, job := range t.jobs {
		stats[string(job.Status)]++
	}
	return stats
}
