package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// JobResult is the payload of a completed job.
type JobResult struct {
	JobID  types.JobID
	Shifts []types.Shift
	Polls  int
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// JobState is one decoded answer of the job status endpoint.
type JobState struct {
	JobID    string          `json:"job_id"`
	Status   types.JobStatus `json:"status"`
	Error    string          `json:"error"`
	Schedule []types.Shift   `json:"schedule"`
}

// Submit posts a generation request and returns the remote job id.
// Any transport error, non-2xx answer or missing job_id is a *SubmissionError.
func (c *Client) Submit(ctx context.Context, req types.GenerateRequest) (types.JobID, error) {
	if req.Employees == nil {
		req.Employees = []types.Employee{}
	}
	if req.Activities == nil {
		req.Activities = []types.Activity{}
	}
	if req.RequiredShifts == nil {
		req.RequiredShifts = []types.RequiredShift{}
	}
	if req.Unavailabilities == nil {
		req.Unavailabilities = []types.Unavailability{}
	}

	raw, err := c.send(ctx, http.MethodPost, "/schedule/generate", nil, req)
	if err != nil {
		return "", &SubmissionError{Cause: err}
	}

	var resp submitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &SubmissionError{Cause: fmt.Errorf("decode response: %w", err)}
	}
	if resp.JobID == "" {
		return "", &SubmissionError{Cause: errors.New("response has no job_id")}
	}

	id := types.JobID(resp.JobID)
	c.metrics.RecordJobSubmitted()
	if c.tracker != nil {
		if err := c.tracker.Track(id); err != nil {
			c.logger.Warn("remote.job.track_error", "job_id", id, "error", err)
		}
		c.metrics.SetJobsInFlight(c.tracker.InFlight())
	}

	c.logger.Info("remote.job.submitted",
		"job_id", id,
		"start_date", req.StartDate,
		"end_date", req.EndDate,
		"employees", len(req.Employees),
	)
	return id, nil
}

// PollUntilTerminal polls the job status every interval, up to maxAttempts
// polls. It waits one interval before each poll.
//
//   - completed: returns the result immediately
//   - failed: returns *RemoteFailure with the server's message
//   - anything else, including transport errors, non-2xx answers and
//     malformed payloads: counts as an attempt and keeps polling
//
// Exhausting the attempts returns *TimeoutError. Cancelling ctx returns the
// context error promptly. Zero values fall back to the configured policy.
func (c *Client) PollUntilTerminal(ctx context.Context, id types.JobID, interval time.Duration, maxAttempts int) (*JobResult, error) {
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.MaxPollAttempts
	}

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.abandon(id, "cancelled")
			return nil, ctx.Err()
		case <-ticker.C:
		}

		c.metrics.RecordJobPoll()
		st, err := c.JobStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				c.abandon(id, "cancelled")
				return nil, ctx.Err()
			}
			var rf *RemoteFailure
			if errors.As(err, &rf) {
				c.observe(id, types.StatusFailed, rf.Message)
				c.metrics.RecordJobFailed(time.Since(start))
				c.logger.Warn("remote.job.invalid_result", "job_id", id, "polls", attempt, "error", err)
				return nil, err
			}
			c.observe(id, "", "")
			c.logger.Warn("remote.job.poll_error", "job_id", id, "attempt", attempt, "error", err)
			continue
		}

		c.observe(id, st.Status, st.Error)
		switch st.Status {
		case types.StatusCompleted:
			c.metrics.RecordJobCompleted(time.Since(start))
			c.logger.Info("remote.job.completed", "job_id", id, "polls", attempt, "shifts", len(st.Schedule))
			return &JobResult{JobID: id, Shifts: st.Schedule, Polls: attempt}, nil
		case types.StatusFailed:
			c.metrics.RecordJobFailed(time.Since(start))
			c.logger.Warn("remote.job.failed", "job_id", id, "polls", attempt, "error", st.Error)
			return nil, &RemoteFailure{JobID: id, Message: st.Error}
		default:
			c.logger.Debug("remote.job.pending", "job_id", id, "attempt", attempt, "status", st.Status)
		}
	}

	c.abandon(id, "timeout")
	c.metrics.RecordJobTimeout()
	c.logger.Warn("remote.job.timeout", "job_id", id, "attempts", maxAttempts)
	return nil, &TimeoutError{JobID: id, Attempts: maxAttempts}
}

// msgInvalidResult is the RemoteFailure message for an unreadable terminal
// payload.
const msgInvalidResult = "The optimization service returned an unreadable result."

// JobStatus performs a single status read. The payload is schema-checked
// before decoding. A bad payload is a *TransientFetchError, unless its status
// is already terminal: then it is a *RemoteFailure, since polling again
// cannot fix it.
func (c *Client) JobStatus(ctx context.Context, id types.JobID) (*JobState, error) {
	raw, err := c.send(ctx, http.MethodGet, "/schedule/job/"+url.PathEscape(string(id)), nil, nil)
	if err != nil {
		return nil, &TransientFetchError{Resource: "job status", Cause: err}
	}

	var head struct {
		Status types.JobStatus `json:"status"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &TransientFetchError{Resource: "job status", Cause: err}
	}
	bad := func(err error) error {
		if head.Status == types.StatusCompleted || head.Status == types.StatusFailed {
			return &RemoteFailure{JobID: id, Message: msgInvalidResult, Cause: err}
		}
		return &TransientFetchError{Resource: "job status", Cause: err}
	}

	if err := validatePayload(jobStatusValidator, raw); err != nil {
		return nil, bad(err)
	}
	var st JobState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, bad(err)
	}
	return &st, nil
}

// Generate runs Submit followed by PollUntilTerminal with the configured
// policy.
func (c *Client) Generate(ctx context.Context, req types.GenerateRequest) (*JobResult, error) {
	id, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.PollUntilTerminal(ctx, id, c.cfg.PollInterval, c.cfg.MaxPollAttempts)
}

// Release drops the tracker entry for a consumed job.
func (c *Client) Release(id types.JobID) {
	if c.tracker == nil {
		return
	}
	c.tracker.Forget(id)
	c.metrics.SetJobsInFlight(c.tracker.InFlight())
}

func (c *Client) observe(id types.JobID, status types.JobStatus, errMsg string) {
	if c.tracker == nil {
		return
	}
	_ = c.tracker.Observe(id, status, errMsg)
	c.metrics.SetJobsInFlight(c.tracker.InFlight())
}

func (c *Client) abandon(id types.JobID, reason string) {
	if c.tracker == nil {
		return
	}
	c.tracker.Abandon(id, reason)
	c.metrics.SetJobsInFlight(c.tracker.InFlight())
}
