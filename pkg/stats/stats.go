// Package stats computes dashboard aggregates over the sealed prediction
// ledger. Sealed fields are decrypted in-process during a single scan; a
// record whose field fails to decrypt is simply excluded from the numeric
// aggregates that need it. No locks are taken, so a summary computed while
// writers are active reflects some recent, not necessarily latest, state.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/SubinJosephArangathu/LiverCare/pkg/envelope"
	"github.com/SubinJosephArangathu/LiverCare/pkg/inference"
	"github.com/SubinJosephArangathu/LiverCare/pkg/panel"
)

// Age histogram bins are fixed 5-year ranges. Ages outside the range are
// counted toward the total but dropped from the histogram.
const (
	binLow   = 10
	binHigh  = 85
	binWidth = 5
)

type statsDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Engine scans the prediction ledger and produces a Summary.
type Engine struct {
	DB     statsDB
	Cipher *envelope.Cipher

	// LabField selects which lab the quartile block describes. Empty
	// means total bilirubin.
	LabField string
}

// Summary is the aggregate payload served to the dashboard.
type Summary struct {
	Total   int     `json:"total"`
	Disease int     `json:"disease"`
	Rate    float64 `json:"rate"`
	MeanAge float64 `json:"mean_age"`

	AgeBins   []string `json:"age_bins"`
	AgeCounts []int    `json:"age_counts"`

	LabField  string  `json:"lab_field"`
	LabMin    float64 `json:"lab_min"`
	LabMax    float64 `json:"lab_max"`
	LabQ1     float64 `json:"lab_q1"`
	LabMedian float64 `json:"lab_median"`
	LabQ3     float64 `json:"lab_q3"`

	LabelCounts  map[string]int `json:"label_counts"`
	RiskCounts   map[string]int `json:"risk_counts"`
	FactorCounts map[string]int `json:"factor_counts"`
}

// Summary runs one full scan of the predictions table.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	labField := e.LabField
	if labField == "" {
		labField = panel.LabTotalBilirubin
	}
	out := &Summary{
		AgeBins:      binLabels(),
		AgeCounts:    make([]int, binCount()),
		LabField:     labField,
		LabelCounts:  make(map[string]int),
		RiskCounts:   make(map[string]int),
		FactorCounts: make(map[string]int),
	}

	rows, err := e.DB.Query(ctx, `
		SELECT age, predicted_label, risk_level, labs, top_factors
		FROM predictions
	`)
	if err != nil {
		return nil, fmt.Errorf("scan predictions: %w", err)
	}
	defer rows.Close()

	var (
		ageSum  float64
		ageN    int
		labVals []float64
	)
	for rows.Next() {
		var (
			sealedAge   string
			sealedLabel string
			riskLevel   string
			labsJSON    []byte
			factorsJSON json.RawMessage
		)
		if err := rows.Scan(&sealedAge, &sealedLabel, &riskLevel, &labsJSON, &factorsJSON); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out.Total++

		if label, err := e.Cipher.Open(sealedLabel); err == nil {
			out.LabelCounts[label]++
			if label == string(inference.LabelDisease) {
				out.Disease++
			}
		}
		if riskLevel != "" {
			out.RiskCounts[riskLevel]++
		}
		if age, ok := e.openFloat(sealedAge); ok {
			ageSum += age
			ageN++
			if idx, ok := binIndex(age); ok {
				out.AgeCounts[idx]++
			}
		}
		if val, ok := e.labValue(labsJSON, labField); ok {
			labVals = append(labVals, val)
		}
		countFactors(out.FactorCounts, factorsJSON)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate predictions: %w", err)
	}

	if out.Total > 0 {
		out.Rate = float64(out.Disease) / float64(out.Total) * 100
	}
	if ageN > 0 {
		out.MeanAge = ageSum / float64(ageN)
	}
	sort.Float64s(labVals)
	if len(labVals) > 0 {
		out.LabMin = labVals[0]
		out.LabMax = labVals[len(labVals)-1]
	}
	out.LabQ1 = Quantile(labVals, 0.25)
	out.LabMedian = Quantile(labVals, 0.50)
	out.LabQ3 = Quantile(labVals, 0.75)
	return out, nil
}

func (e *Engine) openFloat(blob string) (float64, bool) {
	plain, err := e.Cipher.Open(blob)
	if err != nil || plain == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(plain, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (e *Engine) labValue(labsJSON []byte, field string) (float64, bool) {
	if len(labsJSON) == 0 {
		return 0, false
	}
	var labs map[string]*string
	if err := json.Unmarshal(labsJSON, &labs); err != nil {
		return 0, false
	}
	blob := labs[field]
	if blob == nil {
		return 0, false
	}
	return e.openFloat(*blob)
}

func countFactors(counts map[string]int, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var factors []inference.Factor
	if err := json.Unmarshal(raw, &factors); err != nil {
		return
	}
	for _, f := range factors {
		if f.Feature != "" {
			counts[f.Feature]++
		}
	}
}

func binCount() int {
	return (binHigh-binLow)/binWidth + 1
}

func binLabels() []string {
	labels := make([]string, 0, binCount())
	for lo := binLow; lo <= binHigh; lo += binWidth {
		labels = append(labels, fmt.Sprintf("%d-%d", lo, lo+binWidth))
	}
	return labels
}

func binIndex(age float64) (int, bool) {
	lo := int(math.Floor(age/binWidth)) * binWidth
	idx := (lo - binLow) / binWidth
	if lo < binLow || idx >= binCount() {
		return 0, false
	}
	return idx, true
}

// Quantile interpolates linearly between the two order statistics around
// position (n-1)*p. The input must be sorted ascending. Empty input yields
// zero rather than an error so a dashboard with no data renders flat.
func Quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := float64(len(sorted)-1) * p
	base := int(math.Floor(pos))
	rest := pos - float64(base)
	if base+1 < len(sorted) {
		return sorted[base] + rest*(sorted[base+1]-sorted[base])
	}
	return sorted[base]
}
