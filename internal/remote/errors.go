package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrSubmission     = errors.New("job submission failed")
	ErrTimeout        = errors.New("job did not finish in time")
	ErrRemoteFailure  = errors.New("remote job failed")
	ErrTransientFetch = errors.New("remote fetch failed")
)

// HTTPError is a non-2xx response from the remote service.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	if d := e.Detail(); d != "" {
		return fmt.Sprintf("non-2xx status: %d: %s", e.StatusCode, d)
	}
	return fmt.Sprintf("non-2xx status: %d", e.StatusCode)
}

// Detail extracts the human-readable reason from the response body.
// FastAPI answers {"detail": "..."} or {"detail": [{"msg": "..."}]}; some
// endpoints use "error" or "message" instead.
func (e *HTTPError) Detail() string {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "error", "message"} {
		raw, ok := body[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(raw, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	return ""
}

// SubmissionError means the generation request was not accepted.
type SubmissionError struct {
	Cause error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job: %v", e.Cause)
}

func (e *SubmissionError) Unwrap() error        { return e.Cause }
func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// TimeoutError means polling exhausted its attempts without a terminal status.
// The remote job may still be running.
type TimeoutError struct {
	JobID    types.JobID
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s still not finished after %d polls", e.JobID, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RemoteFailure is a job the remote service reported as failed, or one
// whose terminal payload could not be read. Cause is set in the latter case.
type RemoteFailure struct {
	JobID   types.JobID
	Message string
	Cause   error
}

func (e *RemoteFailure) Error() string {
	msg := fmt.Sprintf("job %s failed", e.JobID)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RemoteFailure) Unwrap() error        { return e.Cause }
func (e *RemoteFailure) Is(target error) bool { return target == ErrRemoteFailure }

// TransientFetchError wraps a failed catalog or status read.
type TransientFetchError struct {
	Resource string
	Cause    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Resource, e.Cause)
}

func (e *TransientFetchError) Unwrap() error        { return e.Cause }
func (e *TransientFetchError) Is(target error) bool { return target == ErrTransientFetch }

// UserMessage picks the most specific human-readable text for err: the
// remote failure message or server detail when present, else a generic
// description of the failure class.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var rf *RemoteFailure
	if errors.As(err, &rf) {
		if rf.Message != "" {
			return rf.Message
		}
		return "The optimization job failed."
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return "The optimization job is taking too long. Try again later."
	}

	var he *HTTPError
	if errors.As(err, &he) {
		if d := he.Detail(); d != "" {
			return d
		}
		return fmt.Sprintf("The remote service answered with status %d.", he.StatusCode)
	}

	switch {
	case errors.Is(err, ErrSubmission):
		return "The optimization job could not be submitted."
	case errors.Is(err, ErrTransientFetch):
		return "The remote service is unreachable."
	}
	return err.Error()
}
