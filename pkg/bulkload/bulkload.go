// Package bulkload streams dataset CSV exports into normalized panel
// vectors. The expected column order matches the liver-patient dataset
// export; the first line is a header and is skipped. A malformed row is
// reported and skipped, never aborts the stream.
package bulkload

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/SubinJosephArangathu/LiverCare/pkg/inference"
	"github.com/SubinJosephArangathu/LiverCare/pkg/panel"
)

// columns is the dataset export order. The eleventh column, when present,
// is the recorded outcome label.
var columns = [...]string{
	"age", "gender", "tb", "db", "alkphos",
	"sgpt", "sgot", "tp", "alb", "a/g ratio",
}

const labelColumn = len(columns)

// Row is one successfully normalized CSV line.
type Row struct {
	Line   int
	Vector panel.Vector
	Label  inference.Label
}

// RowError records a line that could not be normalized.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Report summarizes one import run.
type Report struct {
	Imported int        `json:"imported"`
	Failed   int        `json:"failed"`
	Errors   []RowError `json:"errors,omitempty"`
}

// maxReportedErrors bounds the error list so a wholly broken file does not
// balloon the response.
const maxReportedErrors = 50

// Handler receives each normalized row. A handler error fails that row
// only; the stream continues.
type Handler func(ctx context.Context, row Row) error

// Import reads CSV from r and emits each data line through handle. It
// returns a Report plus a non-nil error only for unreadable input, not for
// bad rows.
func Import(ctx context.Context, r io.Reader, handle Handler) (*Report, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	report := &Report{}
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		record, err := cr.Read()
		if err == io.EOF {
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("read csv: %w", err)
		}
		line++
		if line == 1 {
			continue // header
		}
		row, err := parseRecord(line, record)
		if err != nil {
			report.fail(line, err)
			continue
		}
		if err := handle(ctx, row); err != nil {
			report.fail(line, err)
			continue
		}
		report.Imported++
	}
}

func parseRecord(line int, record []string) (Row, error) {
	if len(record) < len(columns) {
		return Row{}, fmt.Errorf("expected at least %d columns, got %d", len(columns), len(record))
	}
	raw := make(map[string]any, len(columns)+1)
	raw["patient_id"] = panel.SynthesizePatientID()
	for i, key := range columns {
		val := strings.TrimSpace(record[i])
		if val == "" {
			continue
		}
		raw[key] = val
	}
	v, err := panel.Normalize(raw, panel.SchemaILPD)
	if err != nil {
		return Row{}, err
	}
	row := Row{Line: line, Vector: v, Label: inference.LabelUnknown}
	if len(record) > labelColumn {
		if val := strings.TrimSpace(record[labelColumn]); val != "" {
			label, ok := parseOutcomeLabel(val)
			if !ok {
				return Row{}, fmt.Errorf("unrecognized outcome label %q", val)
			}
			row.Label = label
		}
	}
	return row, nil
}

// parseOutcomeLabel converts the dataset's outcome encoding, which marks
// disease as 1 and no disease as 2, before falling back to the wire label
// variants.
func parseOutcomeLabel(val string) (inference.Label, bool) {
	if val == "2" {
		return inference.LabelNoDisease, true
	}
	return inference.NormalizeLabel(val)
}

func (r *Report) fail(line int, err error) {
	r.Failed++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, RowError{Line: line, Reason: err.Error()})
	}
}
