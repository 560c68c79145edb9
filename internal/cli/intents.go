package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/shiftplan/internal/coordinator"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

var errEmptyLine = errors.New("empty intent line")

// intentLine is one JSON intent read from stdin by `run`, e.g.
//
//	{"kind":"generate_schedules","start":"2026-03-02","end":"2026-03-08"}
type intentLine struct {
	Kind          string              `json:"kind"`
	Start         string              `json:"start,omitempty"`
	End           string              `json:"end,omitempty"`
	ShiftID       string              `json:"shiftId,omitempty"`
	NewDate       string              `json:"newDate,omitempty"`
	NewEmployeeID string              `json:"newEmployeeId,omitempty"`
	EmployeeID    string              `json:"employeeId,omitempty"`
	Date          string              `json:"date,omitempty"`
	Config        *types.DemandConfig `json:"config,omitempty"`
}

func parseIntent(line string) (coordinator.Intent, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, errEmptyLine
	}

	var in intentLine
	if err := json.Unmarshal([]byte(line), &in); err != nil {
		return nil, fmt.Errorf("failed to parse intent: %w", err)
	}

	switch in.Kind {
	case coordinator.LoadInitialData{}.Kind():
		return coordinator.LoadInitialData{}, nil
	case coordinator.LoadSchedules{}.Kind():
		return coordinator.LoadSchedules{}, nil
	case coordinator.GenerateSchedules{}.Kind():
		if in.Start == "" || in.End == "" {
			return nil, fmt.Errorf("%s: start and end are required", in.Kind)
		}
		return coordinator.GenerateSchedules{Start: in.Start, End: in.End}, nil
	case coordinator.UpdateShift{}.Kind():
		if in.ShiftID == "" {
			return nil, fmt.Errorf("%s: shiftId is required", in.Kind)
		}
		return coordinator.UpdateShift{ShiftID: in.ShiftID, NewDate: in.NewDate, NewEmployeeID: in.NewEmployeeID}, nil
	case coordinator.ToggleUnavailability{}.Kind():
		if in.EmployeeID == "" || in.Date == "" {
			return nil, fmt.Errorf("%s: employeeId and date are required", in.Kind)
		}
		return coordinator.ToggleUnavailability{EmployeeID: in.EmployeeID, Date: in.Date}, nil
	case coordinator.UpdateDemandConfig{}.Kind():
		if in.Config == nil {
			return nil, fmt.Errorf("%s: config is required", in.Kind)
		}
		return coordinator.UpdateDemandConfig{Config: *in.Config}, nil
	case coordinator.LearnDemand{}.Kind():
		return coordinator.LearnDemand{}, nil
	case "":
		return nil, errors.New("intent kind is required")
	default:
		return nil, fmt.Errorf("unknown intent kind %q", in.Kind)
	}
}
