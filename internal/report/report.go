// Package report renders session reports as JSON, CSV, PDF or XLSX.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/meschain/meschain-sync/internal/marketplace"
	"github.com/meschain/meschain-sync/internal/sync"
)

// Format is an output format of a session report
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name. Empty means JSON.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatPDF, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("unsupported report format: %q", name)
}

// ContentType returns the MIME type of the format
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatPDF:
		return "application/pdf"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// SessionReport is everything known about one session
type SessionReport struct {
	Session     sync.SyncSession  `json:"session"`
	Passes      []sync.SyncResult `json:"passes"`
	Conflicts   []*sync.Conflict  `json:"conflicts"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Source is what Collect reads a session from
type Source interface {
	GetSessionStatus(sessionID string) (sync.SyncSession, error)
	ListPasses(ctx context.Context, sessionID string) ([]sync.SyncResult, error)
	ListConflicts(ctx context.Context, mp marketplace.Marketplace, statuses ...sync.ConflictStatus) ([]*sync.Conflict, error)
}

// Collect gathers a session, its passes and the conflicts it raised
func Collect(ctx context.Context, src Source, sessionID string) (*SessionReport, error) {
	session, err := src.GetSessionStatus(sessionID)
	if err != nil {
		return nil, err
	}
	passes, err := src.ListPasses(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	all, err := src.ListConflicts(ctx, session.Marketplace)
	if err != nil {
		return nil, err
	}
	conflicts := make([]*sync.Conflict, 0, len(all))
	for _, c := range all {
		if c.SessionID == sessionID {
			conflicts = append(conflicts, c)
		}
	}
	return &SessionReport{
		Session:     session,
		Passes:      passes,
		Conflicts:   conflicts,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// ConflictSummary counts conflicts by status
func (r *SessionReport) ConflictSummary() map[sync.ConflictStatus]int {
	out := make(map[sync.ConflictStatus]int)
	for _, c := range r.Conflicts {
		out[c.Status]++
	}
	return out
}

// Filename is the download name of the report
func (r *SessionReport) Filename(f Format) string {
	return fmt.Sprintf("sync_%s_%s.%s", r.Session.Marketplace, r.Session.ID, f)
}

// Render encodes the report in the given format
func Render(r *SessionReport, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.MarshalIndent(r, "", "  ")
	case FormatCSV:
		return renderCSV(r)
	case FormatPDF:
		return renderPDF(r)
	case FormatXLSX:
		return renderXLSX(r)
	}
	return nil, fmt.Errorf("unsupported report format: %q", f)
}

var passColumns = []string{
	"started_at", "mode", "status", "operations_total", "successful", "failed",
	"conflicts_detected", "conflicts_resolved", "resolution_rate", "new_orders", "duration_ms", "error",
}

func passRow(p sync.SyncResult) []string {
	return []string{
		p.StartedAt.UTC().Format(time.RFC3339),
		string(p.Mode),
		string(p.Status),
		strconv.Itoa(p.OperationsTotal),
		strconv.Itoa(p.Successful),
		strconv.Itoa(p.Failed),
		strconv.Itoa(p.ConflictsDetected),
		strconv.Itoa(p.ConflictsResolved),
		strconv.FormatFloat(p.ResolutionRate, 'f', 1, 64),
		strconv.Itoa(p.NewOrders),
		strconv.FormatInt(p.Duration.Milliseconds(), 10),
		p.Error,
	}
}

func summaryRows(r *SessionReport) [][2]string {
	s := r.Session
	rows := [][2]string{
		{"Session", s.ID},
		{"Marketplace", string(s.Marketplace)},
		{"Status", string(s.Status)},
		{"Started", s.StartedAt.UTC().Format(time.RFC3339)},
		{"Last activity", s.LastActivity.UTC().Format(time.RFC3339)},
		{"Operations", strconv.Itoa(s.OperationsTotal)},
		{"Successful", strconv.Itoa(s.OperationsSuccessful)},
		{"Failed", strconv.Itoa(s.OperationsFailed)},
		{"Success rate", strconv.FormatFloat(s.SuccessRate, 'f', 1, 64) + "%"},
		{"Conflicts detected", strconv.Itoa(s.ConflictsDetected)},
		{"Conflicts resolved", strconv.Itoa(s.ConflictsResolved)},
		{"Passes", strconv.Itoa(len(r.Passes))},
	}
	if s.ErrorMessage != "" {
		rows = append(rows, [2]string{"Error", s.ErrorMessage})
	}

	summary := r.ConflictSummary()
	statuses := make([]string, 0, len(summary))
	for st := range summary {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		rows = append(rows, [2]string{"Conflicts " + st, strconv.Itoa(summary[sync.ConflictStatus(st)])})
	}
	return rows
}

// renderCSV writes one row per pass
func renderCSV(r *SessionReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(passColumns); err != nil {
		return nil, err
	}
	for _, p := range r.Passes {
		if err := w.Write(passRow(p)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
