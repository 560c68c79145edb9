// ============================================================================
// Shiftplan Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排班協調層的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 遠端任務 (Counter / Histogram)：
//      - shiftplan_jobs_submitted_total: 提交的生成任務數
//      - shiftplan_job_polls_total: 狀態輪詢次數
//      - shiftplan_jobs_completed_total / failed_total / timeout_total
//      - shiftplan_job_duration_seconds: 提交到終態的耗時
//
//   2. 訓練閘門：
//      - shiftplan_training_gate_total{outcome="ok|degraded"}
//      - shiftplan_training_polls_total
//
//   3. 協調器：
//      - shiftplan_intents_total{kind}
//      - shiftplan_snapshots_total{phase}
//      - shiftplan_store_pushes_total / stale_pushes_ignored_total
//      - shiftplan_shift_moves_total{result="applied|not_found"}
//      - shiftplan_background_tasks_total{kind,result="ok|error"}
//
//   4. 狀態 (Gauge)：
//      - shiftplan_jobs_in_flight: 目前仍在輪詢的遠端任務數
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// 所有 Record* 方法對 nil *Collector 是安全的，方便測試時省略指標。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 遠端任務
	jobsSubmitted prometheus.Counter
	jobPolls      prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsTimedOut  prometheus.Counter
	jobDuration   prometheus.Histogram
	jobsInFlight  prometheus.Gauge

	// 訓練閘門
	trainingGate  *prometheus.CounterVec
	trainingPolls prometheus.Counter

	// 協調器
	intents         *prometheus.CounterVec
	snapshots       *prometheus.CounterVec
	storePushes     prometheus.Counter
	stalePushes     prometheus.Counter
	shiftMoves      *prometheus.CounterVec
	backgroundTasks *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用預設 registerer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiftplan_jobs_submitted_total",
			Help: "Total number of generation jobs submitted to the remote service",
		}),
		jobPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiftplan_job_polls_total",
			Help: "Total number of job status polls",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiftplan_jobs_completed_total",
			Help: "Total number of jobs that reached completed",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiftplan_jobs_failed_total",
			Help: "Total number of jobs reported failed by the remote service",
		}),
		jobsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiftplan_jobs_timeout_total",
			Help: "Total number of jobs abandoned after exhausting poll attempts",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shiftplan_job_duration_seconds",
			Help:    "Time from submission to terminal status",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200},
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shiftplan_jobs_in_flight",
			Help: "Current number of jobs being polled",
		}),
		trainingGate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftplan_training_gate_total",
			Help: "Training gate runs by outcome",
		}, []string{"outcome"}),
		trainingPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiftplan_training_polls_total",
			Help: "Total number of training progress polls",
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftplan_intents_total",
			Help: "Intents processed by the coordinator",
		}, []string{"kind"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftplan_snapshots_total",
			Help: "Snapshots emitted by phase",
		}, []string{"phase"}),
		storePushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiftplan_store_pushes_total",
			Help: "Live store pushes received",
		}),
		stalePushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shiftplan_stale_pushes_ignored_total",
			Help: "Live store pushes dropped because a newer version was held locally",
		}),
		shiftMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftplan_shift_moves_total",
			Help: "Optimistic shift moves by result",
		}, []string{"result"}),
		backgroundTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftplan_background_tasks_total",
			Help: "Detached background tasks by kind and result",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobPolls,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsTimedOut,
		c.jobDuration,
		c.jobsInFlight,
		c.trainingGate,
		c.trainingPolls,
		c.intents,
		c.snapshots,
		c.storePushes,
		c.stalePushes,
		c.shiftMoves,
		c.backgroundTasks,
	)

	return c
}

// RecordJobSubmitted 記錄任務提交
func (c *Collector) RecordJobSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordJobPoll 記錄一次狀態輪詢
func (c *Collector) RecordJobPoll() {
	if c == nil {
		return
	}
	c.jobPolls.Inc()
}

// RecordJobCompleted 記錄任務完成
func (c *Collector) RecordJobCompleted(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(elapsed.Seconds())
}

// RecordJobFailed 記錄遠端回報失敗
func (c *Collector) RecordJobFailed(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
	c.jobDuration.Observe(elapsed.Seconds())
}

// RecordJobTimeout 記錄輪詢次數耗盡
func (c *Collector) RecordJobTimeout() {
	if c == nil {
		return
	}
	c.jobsTimedOut.Inc()
}

// SetJobsInFlight 更新輪詢中任務數
func (c *Collector) SetJobsInFlight(n int) {
	if c == nil {
		return
	}
	c.jobsInFlight.Set(float64(n))
}

// RecordTrainingGate 記錄訓練閘門結果
func (c *Collector) RecordTrainingGate(outcome string) {
	if c == nil {
		return
	}
	c.trainingGate.WithLabelValues(outcome).Inc()
}

// RecordTrainingPoll 記錄一次訓練進度輪詢
func (c *Collector) RecordTrainingPoll() {
	if c == nil {
		return
	}
	c.trainingPolls.Inc()
}

// RecordIntent 記錄協調器處理的意圖
func (c *Collector) RecordIntent(kind string) {
	if c == nil {
		return
	}
	c.intents.WithLabelValues(kind).Inc()
}

// RecordSnapshot 記錄快照發送
func (c *Collector) RecordSnapshot(phase string) {
	if c == nil {
		return
	}
	c.snapshots.WithLabelValues(phase).Inc()
}

// RecordStorePush 記錄 store 推送；ignored 表示因版本較舊被丟棄
func (c *Collector) RecordStorePush(ignored bool) {
	if c == nil {
		return
	}
	c.storePushes.Inc()
	if ignored {
		c.stalePushes.Inc()
	}
}

// RecordShiftMove 記錄樂觀移動結果
func (c *Collector) RecordShiftMove(applied bool) {
	if c == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "not_found"
	}
	c.shiftMoves.WithLabelValues(result).Inc()
}

// RecordBackgroundTask 記錄背景任務結果
func (c *Collector) RecordBackgroundTask(kind string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.backgroundTasks.WithLabelValues(kind, result).Inc()
}

// Handler 回傳 gatherer 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
