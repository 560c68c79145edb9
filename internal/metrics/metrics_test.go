package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.jobPolls, "jobPolls counter should be initialized")
	assert.NotNil(t, collector.jobDuration, "jobDuration histogram should be initialized")
	assert.NotNil(t, collector.jobsInFlight, "jobsInFlight gauge should be initialized")
	assert.NotNil(t, collector.trainingGate, "trainingGate vec should be initialized")
	assert.NotNil(t, collector.intents, "intents vec should be initialized")
	assert.NotNil(t, collector.backgroundTasks, "backgroundTasks vec should be initialized")
}

func TestNewCollector_DefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	assert.NotPanics(t, func() {
		NewCollector(nil)
	})
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	assert.Panics(t, func() {
		NewCollector(reg)
	}, "registering the same metrics twice should panic")
}

func TestRecordJobLifecycle(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordJobSubmitted()
	for i := 0; i < 3; i++ {
		c.RecordJobPoll()
	}
	c.RecordJobCompleted(4 * time.Second)
	c.RecordJobFailed(time.Second)
	c.RecordJobTimeout()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobPolls))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTimedOut))
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobDuration), "one histogram series")
}

func TestSetJobsInFlight(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetJobsInFlight(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(c.jobsInFlight))

	c.SetJobsInFlight(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsInFlight))
}

func TestRecordTrainingGate(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordTrainingGate("ok")
	c.RecordTrainingGate("ok")
	c.RecordTrainingGate("degraded")
	c.RecordTrainingPoll()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.trainingGate.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trainingGate.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trainingPolls))
}

func TestRecordStorePush(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordStorePush(false)
	c.RecordStorePush(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.storePushes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stalePushes))
}

func TestRecordShiftMove(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordShiftMove(true)
	c.RecordShiftMove(false)
	c.RecordShiftMove(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.shiftMoves.WithLabelValues("applied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.shiftMoves.WithLabelValues("not_found")))
}

func TestRecordBackgroundTask(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordBackgroundTask("persist", nil)
	c.RecordBackgroundTask("persist", errors.New("boom"))
	c.RecordIntent("generate_schedules")
	c.RecordSnapshot("loaded")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.backgroundTasks.WithLabelValues("persist", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backgroundTasks.WithLabelValues("persist", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.intents.WithLabelValues("generate_schedules")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.snapshots.WithLabelValues("loaded")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordJobSubmitted()
		c.RecordJobPoll()
		c.RecordJobCompleted(time.Second)
		c.RecordJobFailed(time.Second)
		c.RecordJobTimeout()
		c.SetJobsInFlight(1)
		c.RecordTrainingGate("ok")
		c.RecordTrainingPoll()
		c.RecordIntent("x")
		c.RecordSnapshot("x")
		c.RecordStorePush(true)
		c.RecordShiftMove(false)
		c.RecordBackgroundTask("x", nil)
	})
}

func TestHandler_ExposesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordJobSubmitted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "shiftplan_jobs_submitted_total 1"))
}
