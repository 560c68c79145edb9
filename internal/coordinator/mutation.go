package coordinator

import (
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// moveShift locates shiftID in docs and returns a new document list with the
// shift reassigned. docs is never modified; only the touched document gets a
// fresh schedule slice. ok is false when no document holds the shift.
func moveShift(docs []types.ScheduleDocument, employees []types.Employee, shiftID, newDate, newEmployeeID string) (out []types.ScheduleDocument, docIdx int, before, after types.Shift, ok bool) {
	for di, doc := range docs {
		for si, sh := range doc.Schedule {
			if sh.ID != shiftID {
				continue
			}

			before = sh
			after = sh
			if newDate != "" {
				after.Date = newDate
			}
			if newEmployeeID != "" && newEmployeeID != sh.EmployeeID {
				after.EmployeeID = newEmployeeID
				after.EmployeeName = employeeName(employees, newEmployeeID)
			}
			after = types.CloneShifts([]types.Shift{after})[0]

			schedule := make([]types.Shift, len(doc.Schedule))
			copy(schedule, doc.Schedule)
			schedule[si] = after

			out = make([]types.ScheduleDocument, len(docs))
			copy(out, docs)
			out[di].Schedule = schedule
			return out, di, before, after, true
		}
	}
	return docs, -1, types.Shift{}, types.Shift{}, false
}

func employeeName(employees []types.Employee, id string) string {
	for _, e := range employees {
		if e.ID == id {
			return e.Name
		}
	}
	return ""
}

// reconcile merges a pushed document list into the local one. Without
// rejectStale the push replaces everything. With it, a pushed document whose
// version is lower than the local one for the same slot is dropped in favour
// of the local copy.
func reconcile(local, pushed []types.ScheduleDocument, rejectStale bool) ([]types.ScheduleDocument, int) {
	if !rejectStale {
		return pushed, 0
	}
	held := make(map[string]types.ScheduleDocument, len(local))
	for _, d := range local {
		held[d.Slot] = d
	}
	out := make([]types.ScheduleDocument, len(pushed))
	ignored := 0
	for i, d := range pushed {
		if l, ok := held[d.Slot]; ok && d.Version < l.Version {
			out[i] = l
			ignored++
			continue
		}
		out[i] = d
	}
	return out, ignored
}

// upsertDoc replaces the document with doc's slot, or appends it.
func upsertDoc(docs []types.ScheduleDocument, doc types.ScheduleDocument) []types.ScheduleDocument {
	out := make([]types.ScheduleDocument, 0, len(docs)+1)
	replaced := false
	for _, d := range docs {
		if d.Slot == doc.Slot {
			out = append(out, doc)
			replaced = true
			continue
		}
		out = append(out, d)
	}
	if !replaced {
		out = append(out, doc)
	}
	return out
}
