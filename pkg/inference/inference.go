// Package inference calls the remote model service and parses its evolving
// response contract. Field-name fallbacks for each concept live in one
// ordered table here; call sites never re-derive them.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SubinJosephArangathu/LiverCare/pkg/panel"
)

type Label string

const (
	LabelDisease   Label = "Disease"
	LabelNoDisease Label = "NoDisease"
	LabelUnknown   Label = "Unknown"
)

type RiskLevel string

const (
	RiskLow        RiskLevel = "Low"
	RiskMedium     RiskLevel = "Medium"
	RiskBorderline RiskLevel = "Borderline"
	RiskMild       RiskLevel = "Mild"
	RiskModerate   RiskLevel = "Moderate"
	RiskHigh       RiskLevel = "High"
	RiskUnknown    RiskLevel = "Unknown"
)

type Factor struct {
	Feature     string  `json:"feature"`
	Impact      float64 `json:"impact"`
	Explanation string  `json:"explanation,omitempty"`
}

type SecondOpinion struct {
	Model       string   `json:"model"`
	Prediction  Label    `json:"prediction"`
	Probability *float64 `json:"probability,omitempty"`
}

// Result is the reconciled outcome of one inference call.
type Result struct {
	Label           Label
	Probability     float64
	RiskLevel       RiskLevel
	TopFactors      []Factor
	ExplanationText string
	ModelVersion    string
	SecondOpinion   *SecondOpinion
	Hash            string
}

type ErrorKind string

const (
	KindTimeout           ErrorKind = "Timeout"
	KindTransport         ErrorKind = "Transport"
	KindRemoteError       ErrorKind = "RemoteError"
	KindMalformedResponse ErrorKind = "MalformedResponse"
)

type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference: %s: %s", e.Kind, e.Detail)
}

// Synonym lists, ordered by preference. The remote service has shipped each
// of these names across versions for the same concept.
var (
	probabilityKeys = []string{"probability_primary", "probability", "disease_probability", "confidence_original"}
	explanationKeys = []string{"explanation_text", "explanation"}
)

const defaultDiagnosticBytes = 2048

// Client performs one bounded, non-retried call per Predict. Retry policy,
// if any, belongs to the caller.
type Client struct {
	HTTPClient *http.Client
	URL        string
	// DiagnosticBytes caps how much of a raw remote response is logged for
	// debugging. Zero means the default cap.
	DiagnosticBytes int
}

func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		URL:        url,
	}
}

// Predict sends the canonical vector in the service's expected field order
// and parses the response tolerantly.
func (c *Client) Predict(ctx context.Context, v panel.Vector) (*Result, error) {
	body, err := BuildPayload(v)
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Detail: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &Error{Kind: KindTimeout, Detail: err.Error()}
		}
		return nil, &Error{Kind: KindTransport, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := readBounded(resp.Body, 1<<20)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Detail: err.Error()}
	}
	c.logDiagnostic(resp.StatusCode, raw)
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindRemoteError, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return ParseResponse(raw)
}

// ParseResponse applies the tolerant response contract to a raw body.
func ParseResponse(raw []byte) (*Result, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Detail: "response is not a JSON object"}
	}
	labelRaw, ok := fields["prediction"]
	if !ok {
		return nil, &Error{Kind: KindMalformedResponse, Detail: "no prediction label in response"}
	}
	label, ok := NormalizeLabel(decodeScalar(labelRaw))
	if !ok {
		return nil, &Error{Kind: KindMalformedResponse, Detail: fmt.Sprintf("unrecognized prediction label %s", string(labelRaw))}
	}

	res := &Result{
		Label:       label,
		Probability: clamp01(firstFloat(fields, probabilityKeys)),
		RiskLevel:   NormalizeRiskLevel(firstString(fields, []string{"risk_level"})),
	}
	res.ExplanationText = firstString(fields, explanationKeys)
	res.ModelVersion = firstString(fields, []string{"model_version"})
	res.Hash = firstString(fields, []string{"hash"})
	if factorsRaw, ok := fields["top_factors"]; ok {
		var factors []Factor
		if err := json.Unmarshal(factorsRaw, &factors); err == nil {
			res.TopFactors = factors
		}
	}
	if soRaw, ok := fields["second_opinion"]; ok {
		res.SecondOpinion = parseSecondOpinion(soRaw)
	}
	return res, nil
}

func parseSecondOpinion(raw json.RawMessage) *SecondOpinion {
	var body struct {
		Model       string          `json:"model"`
		Prediction  json.RawMessage `json:"prediction"`
		Probability *float64        `json:"probability"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	if body.Model == "" && len(body.Prediction) == 0 {
		return nil
	}
	pred := LabelUnknown
	if p, ok := NormalizeLabel(decodeScalar(body.Prediction)); ok {
		pred = p
	}
	return &SecondOpinion{Model: body.Model, Prediction: pred, Probability: body.Probability}
}

// NormalizeLabel maps the label variants seen on the wire, numeric and
// string alike, into one persisted label space. The second return reports
// whether the value was recognized at all.
func NormalizeLabel(raw string) (Label, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "disease", "liver disease", "positive", "hepatitis":
		return LabelDisease, true
	case "0", "no disease", "no liver disease", "nodisease", "negative", "healthy", "blood donor":
		return LabelNoDisease, true
	case "unknown":
		return LabelUnknown, true
	default:
		return LabelUnknown, false
	}
}

// NormalizeRiskLevel maps the remote risk bucket onto the persisted enum.
// The risk level is computed remotely from the probability; it is never
// recomputed here.
func NormalizeRiskLevel(raw string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "borderline":
		return RiskBorderline
	case "mild":
		return RiskMild
	case "moderate":
		return RiskModerate
	case "high":
		return RiskHigh
	default:
		return RiskUnknown
	}
}

func firstFloat(fields map[string]json.RawMessage, keys []string) float64 {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func firstString(fields map[string]json.RawMessage, keys []string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}

func decodeScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) logDiagnostic(status int, raw []byte) {
	limit := c.DiagnosticBytes
	if limit <= 0 {
		limit = defaultDiagnosticBytes
	}
	snippet := raw
	truncated := ""
	if len(snippet) > limit {
		snippet = snippet[:limit]
		truncated = fmt.Sprintf(" (truncated from %d bytes)", len(raw))
	}
	log.Printf("inference: remote status=%d body=%s%s", status, string(snippet), truncated)
}

func readBounded(r io.Reader, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return raw, nil
}
