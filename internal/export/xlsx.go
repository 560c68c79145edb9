// Package export renders schedules as XLSX workbooks.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ChuLiYu/shiftplan/pkg/types"
)

// ErrEmptySchedule is returned when there is nothing to export.
var ErrEmptySchedule = errors.New("export: schedule is empty")

const (
	shiftsSheet = "Shifts"
	gridSheet   = "Week"
)

var weekdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday,
}

// Exporter produces workbooks as bytes.
type Exporter struct {
	logger *slog.Logger
}

func NewExporter(logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{logger: logger}
}

// ScheduleXLSX returns a workbook with two sheets: one row per shift, and an
// employee by weekday grid. environment only labels the grid.
func (e *Exporter) ScheduleXLSX(environment string, shifts []types.Shift) ([]byte, error) {
	if len(shifts) == 0 {
		return nil, ErrEmptySchedule
	}
	start := time.Now()

	sorted := types.CloneShifts(shifts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Date != sorted[j].Date {
			return sorted[i].Date < sorted[j].Date
		}
		if sorted[i].StartTime != sorted[j].StartTime {
			return sorted[i].StartTime < sorted[j].StartTime
		}
		return displayName(sorted[i]) < displayName(sorted[j])
	})

	f := excelize.NewFile()
	defer f.Close()

	// the default "Sheet1" becomes the shift list
	if err := f.SetSheetName(f.GetSheetName(0), shiftsSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeShifts(f, sorted); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(gridSheet); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := writeGrid(f, environment, sorted); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	e.logger.Info("export.xlsx.ok",
		"environment", environment,
		"rows", len(sorted),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeShifts(f *excelize.File, shifts []types.Shift) error {
	headers := []string{"Date", "Day", "Start", "End", "Employee ID", "Employee", "Role", "Activity", "Affinity", "Absence Risk"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(shiftsSheet, cell, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	for n, s := range shifts {
		row := n + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(shiftsSheet, cell, v)
		}
		write(1, s.Date)
		write(2, dayName(s.Date))
		write(3, s.StartTime)
		write(4, s.EndTime)
		write(5, s.EmployeeID)
		write(6, displayName(s))
		write(7, s.Role)
		write(8, s.ActivityID)
		if s.Affinity != nil {
			write(9, *s.Affinity)
		}
		if s.AbsenceRisk != nil {
			write(10, *s.AbsenceRisk)
		}
	}

	_ = f.SetColWidth(shiftsSheet, "A", "A", 12)
	_ = f.SetColWidth(shiftsSheet, "B", "D", 8)
	_ = f.SetColWidth(shiftsSheet, "E", "F", 22)
	_ = f.SetColWidth(shiftsSheet, "G", "H", 16)
	_ = f.SetColWidth(shiftsSheet, "I", "J", 12)
	return f.SetPanes(shiftsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func writeGrid(f *excelize.File, environment string, shifts []types.Shift) error {
	if err := f.SetCellValue(gridSheet, "A1", "Schedule - "+environment); err != nil {
		return fmt.Errorf("write title: %w", err)
	}

	_ = f.SetCellValue(gridSheet, "A2", "Employee")
	for i, wd := range weekdays {
		cell, _ := excelize.CoordinatesToCellName(i+2, 2)
		_ = f.SetCellValue(gridSheet, cell, wd.String()[:3])
	}

	cells := map[string]map[time.Weekday][]string{}
	var names []string
	for _, s := range shifts {
		name := displayName(s)
		if _, ok := cells[name]; !ok {
			cells[name] = map[time.Weekday][]string{}
			names = append(names, name)
		}
		d, err := time.Parse("2006-01-02", s.Date)
		if err != nil {
			continue
		}
		label := s.StartTime + "-" + s.EndTime
		if s.Role != "" {
			label = s.Role + " " + label
		}
		cells[name][d.Weekday()] = append(cells[name][d.Weekday()], label)
	}
	sort.Strings(names)

	style, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}
	for n, name := range names {
		row := n + 3
		first, _ := excelize.CoordinatesToCellName(1, row)
		_ = f.SetCellValue(gridSheet, first, name)
		for i, wd := range weekdays {
			cell, _ := excelize.CoordinatesToCellName(i+2, row)
			_ = f.SetCellValue(gridSheet, cell, strings.Join(cells[name][wd], "\n"))
			_ = f.SetCellStyle(gridSheet, cell, cell, style)
		}
	}
	_ = f.SetColWidth(gridSheet, "A", "A", 24)
	_ = f.SetColWidth(gridSheet, "B", "H", 16)
	return nil
}

func displayName(s types.Shift) string {
	if s.EmployeeName != "" {
		return s.EmployeeName
	}
	return s.EmployeeID
}

func dayName(date string) string {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return ""
	}
	return d.Weekday().String()[:3]
}
