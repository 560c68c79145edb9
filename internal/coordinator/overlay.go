package coordinator

import (
	"slices"
	"strings"

	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// Overlay is the local set of (employee, date) unavailabilities sent with
// generation requests. It is a value: Toggle returns a new Overlay and never
// changes the receiver. Entries are kept sorted so that toggling the same
// pair twice restores the exact original list.
type Overlay struct {
	entries []types.Unavailability
}

// NewOverlay builds an overlay from entries, dropping duplicates.
func NewOverlay(entries []types.Unavailability) Overlay {
	var o Overlay
	for _, u := range entries {
		if !o.Contains(u.EmployeeID, u.Date) {
			o, _ = o.Toggle(u.EmployeeID, u.Date)
		}
	}
	return o
}

func compareUnavailability(a, b types.Unavailability) int {
	if c := strings.Compare(a.EmployeeID, b.EmployeeID); c != 0 {
		return c
	}
	return strings.Compare(a.Date, b.Date)
}

// Toggle adds the pair when absent and removes it when present. added
// reports which one happened.
func (o Overlay) Toggle(employeeID, date string) (next Overlay, added bool) {
	key := types.Unavailability{EmployeeID: employeeID, Date: date}
	i, found := slices.BinarySearchFunc(o.entries, key, compareUnavailability)

	out := make([]types.Unavailability, 0, len(o.entries)+1)
	out = append(out, o.entries[:i]...)
	if found {
		out = append(out, o.entries[i+1:]...)
	} else {
		out = append(out, key)
		out = append(out, o.entries[i:]...)
	}
	return Overlay{entries: out}, !found
}

// Contains reports whether the pair is marked unavailable.
func (o Overlay) Contains(employeeID, date string) bool {
	_, found := slices.BinarySearchFunc(o.entries,
		types.Unavailability{EmployeeID: employeeID, Date: date}, compareUnavailability)
	return found
}

// Len is the number of entries.
func (o Overlay) Len() int { return len(o.entries) }

// List returns a copy of the entries, never nil.
func (o Overlay) List() []types.Unavailability {
	out := make([]types.Unavailability, len(o.entries))
	copy(out, o.entries)
	return out
}
