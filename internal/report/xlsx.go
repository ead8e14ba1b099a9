package report

import (
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary   = "Summary"
	sheetPasses    = "Passes"
	sheetConflicts = "Conflicts"
)

var conflictColumns = []string{"conflict_id", "entity_type", "entity_id", "status", "strategy", "winner", "reason", "created_at"}

func renderXLSX(r *SessionReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, err
	}
	for _, name := range []string{sheetPasses, sheetConflicts} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})

	for i, row := range summaryRows(r) {
		label, _ := excelize.CoordinatesToCellName(1, i+1)
		value, _ := excelize.CoordinatesToCellName(2, i+1)
		f.SetCellValue(sheetSummary, label, row[0])
		f.SetCellStyle(sheetSummary, label, label, headerStyle)
		f.SetCellValue(sheetSummary, value, row[1])
	}
	f.SetColWidth(sheetSummary, "A", "A", 22)
	f.SetColWidth(sheetSummary, "B", "B", 40)

	writeHeader(f, sheetPasses, passColumns, headerStyle)
	for rowIdx, p := range r.Passes {
		values := []interface{}{
			p.StartedAt.UTC().Format("2006-01-02 15:04:05"), string(p.Mode), string(p.Status),
			p.OperationsTotal, p.Successful, p.Failed, p.ConflictsDetected, p.ConflictsResolved,
			p.ResolutionRate, p.NewOrders, p.Duration.Milliseconds(), p.Error,
		}
		writeRow(f, sheetPasses, rowIdx+2, values)
	}

	writeHeader(f, sheetConflicts, conflictColumns, headerStyle)
	for rowIdx, c := range r.Conflicts {
		winner := ""
		if c.Resolution != nil {
			winner = string(c.Resolution.Winner)
		}
		values := []interface{}{
			c.ID, string(c.EntityType), c.EntityID, string(c.Status), string(c.Strategy),
			winner, c.Reason, c.CreatedAt.UTC().Format(time.RFC3339),
		}
		writeRow(f, sheetConflicts, rowIdx+2, values)
	}

	buffer, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func writeHeader(f *excelize.File, sheet string, columns []string, style int) {
	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, col)
		f.SetCellStyle(sheet, cell, cell, style)
	}
	for i := range columns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, 15)
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		f.SetCellValue(sheet, cell, v)
	}
}
