package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ChuLiYu/shiftplan/internal/company"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// GateOutcome is the result class of EnsureTrained.
type GateOutcome string

const (
	GateOK       GateOutcome = "ok"
	GateDegraded GateOutcome = "degraded"
)

// GateResult reports how the training gate finished.
type GateResult struct {
	Outcome GateOutcome
	Polls   int
	Last    types.TrainingStatus
}

// ProgressFunc receives every successfully read training status.
type ProgressFunc func(types.TrainingStatus)

type retrainRequest struct {
	CompanyID string `json:"company_id,omitempty"`
}

type retrainResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TriggerRetrain asks the remote service to start a retrain. The answer is
// "started" or "busy" (already running); both are fine for the caller.
func (c *Client) TriggerRetrain(ctx context.Context) (string, error) {
	raw, err := c.send(ctx, http.MethodPost, "/training/retrain", nil, retrainRequest{CompanyID: company.FromContext(ctx)})
	if err != nil {
		return "", &TransientFetchError{Resource: "retrain", Cause: err}
	}
	var resp retrainResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &TransientFetchError{Resource: "retrain", Cause: err}
	}
	return resp.Status, nil
}

// TrainingProgress reads the phase-tagged training status.
func (c *Client) TrainingProgress(ctx context.Context) (types.TrainingStatus, error) {
	raw, err := c.send(ctx, http.MethodGet, "/training/progress", nil, nil)
	if err != nil {
		return types.TrainingStatus{}, &TransientFetchError{Resource: "training progress", Cause: err}
	}
	if err := validatePayload(trainingStatusValidator, raw); err != nil {
		return types.TrainingStatus{}, &TransientFetchError{Resource: "training progress", Cause: err}
	}
	st := types.IdleTrainingStatus()
	if err := json.Unmarshal(raw, &st); err != nil {
		return types.TrainingStatus{}, &TransientFetchError{Resource: "training progress", Cause: err}
	}
	return st, nil
}

// trainingInProgress reports whether st still describes an active run.
// "starting" is the window between the trigger and the first phase update.
func trainingInProgress(st types.TrainingStatus) bool {
	return st.Status == types.TrainingRunning || st.Status == types.TrainingStarting
}

// EnsureTrained triggers a retrain and polls the progress endpoint until
// training leaves the running state, or until the attempt cap is reached.
//
// The first TrainingMinPolls reads are not trusted to end the wait: right
// after the trigger the server may still report the previous idle state.
// Timeout, a final "error" status or cancellation yield GateDegraded; the
// gate never blocks generation. The returned error is non-nil only when ctx
// was cancelled.
func (c *Client) EnsureTrained(ctx context.Context, onProgress ProgressFunc) (GateResult, error) {
	res := GateResult{Outcome: GateDegraded, Last: types.IdleTrainingStatus()}

	status, err := c.TriggerRetrain(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.metrics.RecordTrainingGate(string(GateDegraded))
			return res, ctx.Err()
		}
		c.logger.Warn("remote.training.trigger_error", "error", err)
	} else {
		c.logger.Info("remote.training.triggered", "status", status)
	}

	ticker := time.NewTicker(c.cfg.TrainingPollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.cfg.TrainingMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.metrics.RecordTrainingGate(string(GateDegraded))
			return res, ctx.Err()
		case <-ticker.C:
		}

		res.Polls = attempt
		c.metrics.RecordTrainingPoll()
		st, err := c.TrainingProgress(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.metrics.RecordTrainingGate(string(GateDegraded))
				return res, ctx.Err()
			}
			c.logger.Warn("remote.training.poll_error", "attempt", attempt, "error", err)
			continue
		}

		res.Last = st
		if onProgress != nil {
			onProgress(st)
		}

		if !trainingInProgress(st) && attempt > c.cfg.TrainingMinPolls {
			if st.Status == types.TrainingError {
				c.logger.Warn("remote.training.error", "polls", attempt, "message", st.Message)
				res.Outcome = GateDegraded
			} else {
				c.logger.Info("remote.training.settled", "polls", attempt, "status", st.Status, "phase", st.Phase)
				res.Outcome = GateOK
			}
			c.metrics.RecordTrainingGate(string(res.Outcome))
			return res, nil
		}
	}

	c.logger.Warn("remote.training.timeout", "polls", res.Polls)
	c.metrics.RecordTrainingGate(string(GateDegraded))
	return res, nil
}
