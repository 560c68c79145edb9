package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/shiftplan/internal/company"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

type progressRecorder struct {
	mu   sync.Mutex
	seen []types.TrainingStatus
}

func (p *progressRecorder) record(st types.TrainingStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, st)
}

func (p *progressRecorder) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func TestEnsureTrained_RunningRunningIdle(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodPost, "/training/retrain", ok(`{"status":"started","message":"Global Training started."}`))
	f.on(http.MethodGet, "/training/progress",
		ok(trainingStatus("running", "MAPPING")),
		ok(trainingStatus("running", "TRAINING")),
		ok(trainingStatus("idle", "IDLE")),
	)
	c := newTestClient(t, srv.URL)
	rec := &progressRecorder{}

	ctx := company.WithID(context.Background(), testEnv)
	res, err := c.EnsureTrained(ctx, rec.record)
	require.NoError(t, err)

	assert.Equal(t, GateOK, res.Outcome)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, 3, f.count(http.MethodGet, "/training/progress"))
	assert.Equal(t, 1, f.count(http.MethodPost, "/training/retrain"))
	assert.Equal(t, 3, rec.len())
	assert.Equal(t, types.PhaseIdle, res.Last.Phase)

	var body map[string]string
	require.NoError(t, json.Unmarshal(f.lastBody(http.MethodPost, "/training/retrain"), &body))
	assert.Equal(t, testEnv, body["company_id"])
}

func TestEnsureTrained_MinimumPollsGuard(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodPost, "/training/retrain", ok(`{"status":"started"}`))
	f.on(http.MethodGet, "/training/progress", ok(trainingStatus("idle", "IDLE")))
	c := newTestClient(t, srv.URL)

	res, err := c.EnsureTrained(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, GateOK, res.Outcome)
	assert.Equal(t, 3, res.Polls, "an idle answer is only trusted after the first two polls")
}

func TestEnsureTrained_StartingIsStillInProgress(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodPost, "/training/retrain", ok(`{"status":"started"}`))
	f.on(http.MethodGet, "/training/progress",
		ok(trainingStatus("starting", "IDLE")),
		ok(trainingStatus("starting", "IDLE")),
		ok(trainingStatus("starting", "MAPPING")),
		ok(trainingStatus("complete", "IDLE")),
	)
	c := newTestClient(t, srv.URL)

	res, err := c.EnsureTrained(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, GateOK, res.Outcome)
	assert.Equal(t, 4, res.Polls)
}

func TestEnsureTrained_TimeoutIsDegraded(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodPost, "/training/retrain", ok(`{"status":"busy"}`))
	f.on(http.MethodGet, "/training/progress", ok(trainingStatus("running", "TRAINING")))
	c := newTestClient(t, srv.URL)

	res, err := c.EnsureTrained(context.Background(), nil)
	require.NoError(t, err, "timeout is not an error")
	assert.Equal(t, GateDegraded, res.Outcome)
	assert.Equal(t, c.Config().TrainingMaxAttempts, res.Polls)
	assert.Equal(t, c.Config().TrainingMaxAttempts, f.count(http.MethodGet, "/training/progress"))
}

func TestEnsureTrained_TriggerFailureIsNotFatal(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodPost, "/training/retrain", fail(http.StatusInternalServerError, `{"detail":"down"}`))
	f.on(http.MethodGet, "/training/progress", ok(trainingStatus("idle", "IDLE")))
	c := newTestClient(t, srv.URL)

	res, err := c.EnsureTrained(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, GateOK, res.Outcome)
}

func TestEnsureTrained_PollErrorsAreSkipped(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodPost, "/training/retrain", ok(`{"status":"started"}`))
	f.on(http.MethodGet, "/training/progress",
		fail(http.StatusServiceUnavailable, ``),
		ok(trainingStatus("running", "MAPPING")),
		ok(trainingStatus("idle", "IDLE")),
	)
	c := newTestClient(t, srv.URL)
	rec := &progressRecorder{}

	res, err := c.EnsureTrained(context.Background(), rec.record)
	require.NoError(t, err)
	assert.Equal(t, GateOK, res.Outcome)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, 2, rec.len(), "failed reads are not reported as progress")
}

func TestEnsureTrained_ErrorStatusIsDegraded(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodPost, "/training/retrain", ok(`{"status":"started"}`))
	f.on(http.MethodGet, "/training/progress",
		ok(trainingStatus("running", "MAPPING")),
		ok(trainingStatus("running", "EXTRACTION")),
		ok(trainingStatus("error", "IDLE")),
	)
	c := newTestClient(t, srv.URL)

	res, err := c.EnsureTrained(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, GateDegraded, res.Outcome)
	assert.Equal(t, "error", res.Last.Status)
}

func TestEnsureTrained_Cancel(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodPost, "/training/retrain", ok(`{"status":"started"}`))
	f.on(http.MethodGet, "/training/progress", ok(trainingStatus("running", "TRAINING")))
	c, err := New(Config{
		BaseURL:              srv.URL,
		DefaultSecret:        testSecret,
		TrainingPollInterval: 5 * time.Millisecond,
		TrainingMaxAttempts:  100000,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := c.EnsureTrained(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, GateDegraded, res.Outcome)
}

func TestTrainingProgress_DefaultsMissingFields(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodGet, "/training/progress", ok(`{"status":"running"}`))
	c := newTestClient(t, srv.URL)

	st, err := c.TrainingProgress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, types.PhaseIdle, st.Phase)
}

func TestTrainingProgress_RejectsMalformed(t *testing.T) {
	f, srv := startFake(t)
	f.on(http.MethodGet, "/training/progress", ok(`{"progress":"half"}`))
	c := newTestClient(t, srv.URL)

	_, err := c.TrainingProgress(context.Background())
	assert.ErrorIs(t, err, ErrTransientFetch)
}
