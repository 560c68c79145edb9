package coordinator

import (
	"maps"

	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// Phase is the coarse state of the session.
type Phase string

const (
	PhaseInitial Phase = "initial"
	PhaseLoading Phase = "loading"
	PhaseLoaded  Phase = "loaded"
	PhaseError   Phase = "error"
)

// MoveResult reports the last UpdateShift.
type MoveResult string

const (
	MoveNone     MoveResult = ""
	MoveApplied  MoveResult = "applied"
	MoveNotFound MoveResult = "not_found"
)

// Snapshot is an immutable view of the session. Every value handed out is a
// private deep copy.
type Snapshot struct {
	Seq     uint64 `json:"seq"`
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"` // loading or error text

	Employees        []types.Employee         `json:"employees"`
	Activities       []types.Activity         `json:"activities"`
	DemandConfig     types.DemandConfig       `json:"demand_config"`
	Unavailabilities []types.Unavailability   `json:"unavailabilities"`
	Schedules        []types.ScheduleDocument `json:"schedules"`
	History          []types.Period           `json:"history"`
	Training         types.TrainingStatus     `json:"training"`
	LastMove         MoveResult               `json:"last_move,omitempty"`
}

// Shifts returns the shifts of the default slot, or nil.
func (s Snapshot) Shifts() []types.Shift {
	for _, d := range s.Schedules {
		if d.Slot == types.DefaultSlot {
			return d.Schedule
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Employees = cloneEmployees(s.Employees)
	out.Activities = cloneSlice(s.Activities)
	out.Unavailabilities = cloneSlice(s.Unavailabilities)
	out.Schedules = cloneDocs(s.Schedules)
	out.History = clonePeriods(s.History)
	out.Training = cloneTraining(s.Training)
	return out
}

// Outcome is what Do reports once an intent has been handled.
type Outcome struct {
	Snapshot Snapshot
	Move     MoveResult
	Err      error
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func cloneEmployees(in []types.Employee) []types.Employee {
	out := cloneSlice(in)
	for i := range out {
		out[i].Preferences = cloneSlice(in[i].Preferences)
	}
	return out
}

func cloneDocs(in []types.ScheduleDocument) []types.ScheduleDocument {
	if in == nil {
		return nil
	}
	out := make([]types.ScheduleDocument, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}

func clonePeriods(in []types.Period) []types.Period {
	out := cloneSlice(in)
	for i := range out {
		if in[i].Employment != nil {
			ref := *in[i].Employment
			out[i].Employment = &ref
		}
		if in[i].Activity != nil {
			ref := *in[i].Activity
			out[i].Activity = &ref
		}
	}
	return out
}

func cloneTraining(in types.TrainingStatus) types.TrainingStatus {
	out := in
	out.Logs = cloneSlice(in.Logs)
	if in.Details != nil {
		out.Details = maps.Clone(in.Details)
	}
	return out
}
