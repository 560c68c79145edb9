package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/ChuLiYu/shiftplan/internal/company"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// FetchEmployees reads the company's employees.
func (c *Client) FetchEmployees(ctx context.Context) ([]types.Employee, error) {
	var out []types.Employee
	if err := c.getJSON(ctx, "/agent/employment", nil, &out); err != nil {
		return nil, &TransientFetchError{Resource: "employees", Cause: err}
	}
	if out == nil {
		out = []types.Employee{}
	}
	return out, nil
}

// FetchActivities reads the company's activities.
func (c *Client) FetchActivities(ctx context.Context) ([]types.Activity, error) {
	var out []types.Activity
	if err := c.getJSON(ctx, "/agent/activities", nil, &out); err != nil {
		return nil, &TransientFetchError{Resource: "activities", Cause: err}
	}
	if out == nil {
		out = []types.Activity{}
	}
	return out, nil
}

// FetchDemand reads the learned demand profile. Fields absent from the
// answer keep their defaults.
func (c *Client) FetchDemand(ctx context.Context) (types.DemandConfig, error) {
	cfg := types.DefaultDemandConfig()
	if err := c.getJSON(ctx, "/learning/demand", nil, &cfg); err != nil {
		return types.DefaultDemandConfig(), &TransientFetchError{Resource: "demand profile", Cause: err}
	}
	return cfg, nil
}

type learnDemandRequest struct {
	CompanyID string `json:"company_id"`
}

// LearnDemand asks the remote service to relearn the demand profile from
// history, then reads the new profile.
func (c *Client) LearnDemand(ctx context.Context) (types.DemandConfig, error) {
	body := learnDemandRequest{CompanyID: company.FromContext(ctx)}
	raw, err := c.send(ctx, http.MethodPost, "/training/learn-demand", nil, body)
	if err != nil {
		return types.DemandConfig{}, &TransientFetchError{Resource: "learn demand", Cause: err}
	}
	var ack map[string]any
	if err := json.Unmarshal(raw, &ack); err != nil {
		return types.DemandConfig{}, &TransientFetchError{Resource: "learn demand", Cause: err}
	}
	c.logger.Info("remote.demand.learned", "answer", ack["status"])
	return c.FetchDemand(ctx)
}

// FetchPeriods reads the historical periods between start and end
// (YYYY-MM-DD, inclusive).
func (c *Client) FetchPeriods(ctx context.Context, start, end string) ([]types.Period, error) {
	q := url.Values{}
	q.Set("start_date", start)
	q.Set("end_date", end)

	var out []types.Period
	if err := c.getJSON(ctx, "/agent/periods", q, &out); err != nil {
		return nil, &TransientFetchError{Resource: "periods", Cause: err}
	}
	if out == nil {
		out = []types.Period{}
	}
	return out, nil
}
