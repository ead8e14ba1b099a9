package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// pass table columns and their widths in mm, A4 landscape
var pdfPassColumns = []struct {
	title string
	width float64
}{
	{"Started", 42}, {"Mode", 20}, {"Status", 22}, {"Total", 18}, {"OK", 18}, {"Failed", 18},
	{"Conflicts", 22}, {"Resolved", 22}, {"New orders", 24}, {"ms", 18}, {"Error", 53},
}

func renderPDF(r *SessionReport) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, fmt.Sprintf("Sync report: %s", r.Session.Marketplace), "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(0, 6, "Generated "+r.GeneratedAt.UTC().Format(time.RFC1123), "", 1, "L", false, 0, "")
	pdf.Ln(3)

	// Summary
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 8, "Summary", "", 1, "L", false, 0, "")
	for _, row := range summaryRows(r) {
		pdf.SetFont("Arial", "B", 9)
		pdf.CellFormat(50, 6, row[0], "1", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(110, 6, row[1], "1", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	// Passes
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 8, "Passes", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "B", 8)
	pdf.SetFillColor(224, 224, 224)
	for _, col := range pdfPassColumns {
		pdf.CellFormat(col.width, 6, col.title, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, p := range r.Passes {
		values := passRow(p)
		// drop resolution_rate, the table has no column for it
		values = append(values[:8:8], values[9:]...)
		for i, col := range pdfPassColumns {
			v := values[i]
			if i == len(pdfPassColumns)-1 && len(v) > 40 {
				v = v[:37] + "..."
			}
			pdf.CellFormat(col.width, 6, v, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
	if len(r.Passes) == 0 {
		pdf.CellFormat(0, 6, "No passes recorded", "1", 1, "C", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
