package coordinator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/shiftplan/pkg/types"
)

func fixtureDocs() []types.ScheduleDocument {
	return []types.ScheduleDocument{
		{Slot: "current", Version: 3, Schedule: []types.Shift{
			{ID: "s1", EmployeeID: "e1", EmployeeName: "Ana", Date: "2026-03-02"},
			{ID: "s2", EmployeeID: "e2", EmployeeName: "Ben", Date: "2026-03-03"},
		}},
		{Slot: "draft", Version: 1, Schedule: []types.Shift{
			{ID: "d1", EmployeeID: "e1", EmployeeName: "Ana", Date: "2026-03-09"},
		}},
	}
}

var fixtureEmployees = []types.Employee{{ID: "e1", Name: "Ana"}, {ID: "e2", Name: "Ben"}}

func TestMoveShift_CopyOnWrite(t *testing.T) {
	docs := fixtureDocs()

	out, idx, before, after, ok := moveShift(docs, fixtureEmployees, "s1", "2026-03-04", "e2")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "e1", before.EmployeeID)
	assert.Equal(t, "e2", after.EmployeeID)
	assert.Equal(t, "Ben", after.EmployeeName)
	assert.Equal(t, "2026-03-04", after.Date)
	assert.Equal(t, after, out[0].Schedule[0])

	// input untouched
	assert.Equal(t, fixtureDocs(), docs)
	assert.Len(t, out[0].Schedule, 2)
	assert.Equal(t, docs[1], out[1])
}

func TestMoveShift_FindsInOtherSlots(t *testing.T) {
	out, idx, _, after, ok := moveShift(fixtureDocs(), fixtureEmployees, "d1", "", "e2")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "2026-03-09", after.Date, "empty date keeps the day")
	assert.Equal(t, "e2", out[1].Schedule[0].EmployeeID)
}

func TestMoveShift_SameEmployeeKeepsName(t *testing.T) {
	_, _, _, after, ok := moveShift(fixtureDocs(), nil, "s1", "2026-03-05", "e1")
	require.True(t, ok)
	assert.Equal(t, "Ana", after.EmployeeName)
}

func TestMoveShift_UnknownEmployeeHasNoName(t *testing.T) {
	_, _, _, after, ok := moveShift(fixtureDocs(), fixtureEmployees, "s1", "", "e9")
	require.True(t, ok)
	assert.Equal(t, "e9", after.EmployeeID)
	assert.Empty(t, after.EmployeeName)
}

func TestMoveShift_NotFound(t *testing.T) {
	docs := fixtureDocs()
	out, idx, _, _, ok := moveShift(docs, fixtureEmployees, "nope", "2026-03-04", "e2")
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
	assert.Equal(t, docs, out)
}

func TestReconcile_LastPushWins(t *testing.T) {
	local := fixtureDocs()
	pushed := []types.ScheduleDocument{{Slot: "current", Version: 1}}

	out, ignored := reconcile(local, pushed, false)
	assert.Equal(t, pushed, out)
	assert.Zero(t, ignored)
}

func TestReconcile_RejectsStaleSlots(t *testing.T) {
	local := fixtureDocs()
	pushed := []types.ScheduleDocument{
		{Slot: "current", Version: 2},
		{Slot: "draft", Version: 5},
		{Slot: "new", Version: 1},
	}

	out, ignored := reconcile(local, pushed, true)
	assert.Equal(t, 1, ignored)
	require.Len(t, out, 3)
	assert.Equal(t, local[0], out[0], "older version kept local")
	assert.Equal(t, int64(5), out[1].Version)
	assert.Equal(t, "new", out[2].Slot)
}

func TestReconcile_EqualVersionIsAccepted(t *testing.T) {
	local := fixtureDocs()
	pushed := []types.ScheduleDocument{{Slot: "current", Version: 3}}

	out, ignored := reconcile(local, pushed, true)
	assert.Zero(t, ignored)
	assert.Equal(t, pushed, out)
}

func TestUpsertDoc(t *testing.T) {
	docs := fixtureDocs()
	out := upsertDoc(docs, types.ScheduleDocument{Slot: "draft", Version: 2})
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[1].Version)
	assert.Equal(t, int64(1), docs[1].Version)

	out = upsertDoc(docs, types.ScheduleDocument{Slot: "other"})
	assert.Len(t, out, 3)
}

func TestRequiredShifts(t *testing.T) {
	demand := types.DemandConfig{WeekdayTarget: 3, WeekendTarget: 0}
	// 2026-03-07/08 is a weekend
	tmpl := shiftTemplate{From: "07:00", To: "15:00", Role: "nurse"}
	got, err := requiredShifts("2026-03-06", "2026-03-09", demand, tmpl)
	require.NoError(t, err)

	entry := func(date string, n int) types.RequiredShift {
		return types.RequiredShift{
			ID:        fmt.Sprintf("s_%s_%d", date, n),
			Date:      date,
			StartTime: "07:00",
			EndTime:   "15:00",
			Role:      "nurse",
		}
	}
	assert.Equal(t, []types.RequiredShift{
		entry("2026-03-06", 1), entry("2026-03-06", 2), entry("2026-03-06", 3),
		entry("2026-03-09", 1), entry("2026-03-09", 2), entry("2026-03-09", 3),
	}, got)

	_, err = requiredShifts("03/06/2026", "2026-03-09", demand, tmpl)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = requiredShifts("2026-03-06", "2026-03-05", demand, tmpl)
	assert.ErrorIs(t, err, ErrInvalidRange)
}
