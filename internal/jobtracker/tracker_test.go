package jobtracker

// ============================================================================
// Tracker 測試
// 職責：驗證任務狀態轉換、終態保護與統計
// ============================================================================

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ChuLiYu/shiftplan/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestTrack(t *testing.T) {
	tr := New()

	require.NoError(t, tr.Track("job-1"))

	job, ok := tr.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 1, tr.InFlight())
}

func TestTrack_Duplicate(t *testing.T) {
	tr := New()

	require.NoError(t, tr.Track("job-1"))
	assert.ErrorIs(t, tr.Track("job-1"), ErrDuplicateJob)
}

func TestObserve_Lifecycle(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("job-1"))

	require.NoError(t, tr.Observe("job-1", types.StatusProcessing, ""))
	require.NoError(t, tr.Observe("job-1", types.StatusProcessing, ""))
	require.NoError(t, tr.Observe("job-1", types.StatusCompleted, ""))

	job, _ := tr.Get("job-1")
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, 0, tr.InFlight())
}

func TestObserve_FailedKeepsMessage(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("job-1"))

	require.NoError(t, tr.Observe("job-1", types.StatusFailed, "infeasible"))

	job, _ := tr.Get("job-1")
	assert.Equal(t, "infeasible", job.Error)
}

func TestObserve_EmptyStatusCountsAttempt(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("job-1"))

	require.NoError(t, tr.Observe("job-1", "", ""))

	job, _ := tr.Get("job-1")
	assert.Equal(t, types.StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestObserve_Unknown(t *testing.T) {
	tr := New()
	assert.ErrorIs(t, tr.Observe("missing", types.StatusProcessing, ""), ErrJobNotFound)
}

func TestObserve_AfterTerminal(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("job-1"))
	require.NoError(t, tr.Observe("job-1", types.StatusCompleted, ""))

	assert.ErrorIs(t, tr.Observe("job-1", types.StatusProcessing, ""), ErrTerminal)
}

func TestAbandon(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("job-1"))

	tr.Abandon("job-1", "timeout")

	job, _ := tr.Get("job-1")
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "timeout", job.Error)
	assert.Equal(t, 0, tr.InFlight())

	// 終態任務不受影響
	tr.Abandon("job-1", "other")
	job, _ = tr.Get("job-1")
	assert.Equal(t, "timeout", job.Error)
}

func TestForget(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track("job-1"))

	tr.Forget("job-1")

	_, ok := tr.Get("job-1")
	assert.False(t, ok)
	assert.Equal(t, 0, tr.InFlight())
	// 可再次追蹤
	assert.NoError(t, tr.Track("job-1"))
}

func TestStats(t *testing.T) {
	tr := New()
	for i := 0; i < 4; i++ {
		require.NoError(t, tr.Track(types.JobID(fmt.Sprintf("job-%d", i))))
	}
	require.NoError(t, tr.Observe("job-1", types.StatusProcessing, ""))
	require.NoError(t, tr.Observe("job-2", types.StatusCompleted, ""))
	require.NoError(t, tr.Observe("job-3", types.StatusFailed, "x"))

	stats := tr.Stats()
	assert.Equal(t, 1, stats["queued"])
	assert.Equal(t, 1, stats["processing"])
	assert.Equal(t, 1, stats["completed"])
	assert.Equal(t, 1, stats["failed"])
}

// ============================================================================
// 並發測試
// ============================================================================

func TestConcurrentObserve(t *testing.T) {
	tr := New()
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Track(types.JobID(fmt.Sprintf("job-%d", i))))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.JobID(fmt.Sprintf("job-%d", i))
			_ = tr.Observe(id, types.StatusProcessing, "")
			_ = tr.Observe(id, types.StatusCompleted, "")
			_ = tr.Stats()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, tr.InFlight())
	assert.Equal(t, n, tr.Stats()["completed"])
}
