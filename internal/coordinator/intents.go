package coordinator

import "github.com/ChuLiYu/shiftplan/pkg/types"

// Intent is a request to change session state. The set is closed.
type Intent interface {
	Kind() string
	intent()
}

// LoadInitialData fetches the catalogs, starts the training gate in the
// background and then loads schedules.
type LoadInitialData struct{}

// LoadSchedules fetches the comparison window and (re)subscribes to the
// live store.
type LoadSchedules struct{}

// GenerateSchedules runs the training gate and a remote job for the
// inclusive date range, then persists the result.
type GenerateSchedules struct {
	Start string // YYYY-MM-DD
	End   string
}

// UpdateShift moves one shift to another day and/or employee.
type UpdateShift struct {
	ShiftID       string
	NewDate       string
	NewEmployeeID string
}

// ToggleUnavailability flips one (employee, date) entry of the overlay.
type ToggleUnavailability struct {
	EmployeeID string
	Date       string
}

// UpdateDemandConfig replaces the demand targets.
type UpdateDemandConfig struct {
	Config types.DemandConfig
}

// LearnDemand asks the remote service to learn targets from history.
type LearnDemand struct{}

func (LoadInitialData) Kind() string      { return "load_initial_data" }
func (LoadSchedules) Kind() string        { return "load_schedules" }
func (GenerateSchedules) Kind() string    { return "generate_schedules" }
func (UpdateShift) Kind() string          { return "update_shift" }
func (ToggleUnavailability) Kind() string { return "toggle_unavailability" }
func (UpdateDemandConfig) Kind() string   { return "update_demand_config" }
func (LearnDemand) Kind() string          { return "learn_demand" }

func (LoadInitialData) intent()      {}
func (LoadSchedules) intent()        {}
func (GenerateSchedules) intent()    {}
func (UpdateShift) intent()          {}
func (ToggleUnavailability) intent() {}
func (UpdateDemandConfig) intent()   {}
func (LearnDemand) intent()          {}
