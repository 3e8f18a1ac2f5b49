// Package audit persists one tamper-resistant record per prediction.
// Identifying and clinical fields are sealed per value before they reach
// the database; probability, risk level, factors, and explanation stay in
// plaintext because the aggregation paths read them in bulk.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SubinJosephArangathu/LiverCare/pkg/envelope"
	"github.com/SubinJosephArangathu/LiverCare/pkg/inference"
	"github.com/SubinJosephArangathu/LiverCare/pkg/panel"
)

// Undecryptable marks a field whose sealed blob no longer authenticates.
// Reads degrade to this marker instead of failing the whole listing.
const Undecryptable = "<undecryptable>"

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store is the append-only prediction ledger. There is deliberately no
// update path: a correction is a new record.
type Store struct {
	DB     auditDB
	Cipher *envelope.Cipher
}

// Record inserts one sealed row for a completed prediction and returns its
// id. The insert is a single statement; concurrent writers never observe a
// half-applied record.
func (s *Store) Record(ctx context.Context, v panel.Vector, res *inference.Result, actor, source string) (string, error) {
	id := uuid.New().String()

	sealedPatient, err := s.Cipher.Seal(v.PatientID)
	if err != nil {
		return "", fmt.Errorf("seal patient id: %w", err)
	}
	sealedAge, err := s.Cipher.Seal(formatAge(v.Age))
	if err != nil {
		return "", fmt.Errorf("seal age: %w", err)
	}
	sealedSex, err := s.Cipher.Seal(string(v.Sex))
	if err != nil {
		return "", fmt.Errorf("seal sex: %w", err)
	}
	sealedLabel, err := s.Cipher.Seal(string(res.Label))
	if err != nil {
		return "", fmt.Errorf("seal label: %w", err)
	}
	sealedLabs, err := s.sealLabs(v)
	if err != nil {
		return "", err
	}

	topFactors, err := json.Marshal(res.TopFactors)
	if err != nil {
		return "", fmt.Errorf("encode top factors: %w", err)
	}
	var secondOpinion []byte
	if res.SecondOpinion != nil {
		secondOpinion, err = json.Marshal(res.SecondOpinion)
		if err != nil {
			return "", fmt.Errorf("encode second opinion: %w", err)
		}
	}

	_, err = s.DB.Exec(ctx, `
		INSERT INTO predictions
		(id, actor_id, schema_name, source, patient_id, age, sex, labs,
		 predicted_label, probability, risk_level, top_factors, explanation_text,
		 model_version, record_hash, second_opinion, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, id, actor, string(v.Schema), source, sealedPatient, sealedAge, sealedSex, sealedLabs,
		sealedLabel, res.Probability, string(res.RiskLevel), topFactors, res.ExplanationText,
		res.ModelVersion, nullable(res.Hash), secondOpinion, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert prediction: %w", err)
	}
	return id, nil
}

// sealLabs seals every present lab value; absent values persist as JSON
// null so a missing measurement stays distinguishable from zero.
func (s *Store) sealLabs(v panel.Vector) ([]byte, error) {
	sealed := make(map[string]*string, len(v.Labs))
	for name, val := range v.Labs {
		if val == nil {
			sealed[name] = nil
			continue
		}
		blob, err := s.Cipher.Seal(strconv.FormatFloat(*val, 'f', -1, 64))
		if err != nil {
			return nil, fmt.Errorf("seal lab %s: %w", name, err)
		}
		sealed[name] = &blob
	}
	return json.Marshal(sealed)
}

// DisplayRecord is one prediction with identifying fields decrypted for
// presentation. Fields that fail to authenticate carry the Undecryptable
// marker.
type DisplayRecord struct {
	ID              string          `json:"id"`
	ActorID         string          `json:"actor_id"`
	Schema          string          `json:"schema"`
	Source          string          `json:"source"`
	PatientID       string          `json:"patient_id"`
	Age             string          `json:"age"`
	Sex             string          `json:"sex"`
	PredictedLabel  string          `json:"prediction"`
	Probability     float64         `json:"probability"`
	RiskLevel       string          `json:"risk_level"`
	TopFactors      json.RawMessage `json:"top_factors,omitempty"`
	ExplanationText string          `json:"explanation_text,omitempty"`
	ModelVersion    string          `json:"model_version,omitempty"`
	SecondOpinion   json.RawMessage `json:"second_opinion,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

const displayColumns = `
	id, actor_id, schema_name, source, patient_id, age, sex,
	predicted_label, probability, risk_level, top_factors, explanation_text,
	model_version, second_opinion, created_at`

// ListRecent returns the newest records first, decrypting per field on the
// way out.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]DisplayRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+displayColumns+`
		FROM predictions ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	defer rows.Close()
	return s.scanDisplay(rows)
}

// ByActor returns the caller's own records, newest first.
func (s *Store) ByActor(ctx context.Context, actorID string) ([]DisplayRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+displayColumns+`
		FROM predictions WHERE actor_id=$1 ORDER BY created_at DESC
	`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list by actor: %w", err)
	}
	defer rows.Close()
	return s.scanDisplay(rows)
}

func (s *Store) scanDisplay(rows pgx.Rows) ([]DisplayRecord, error) {
	var out []DisplayRecord
	for rows.Next() {
		var (
			rec           DisplayRecord
			sealedPatient string
			sealedAge     string
			sealedSex     string
			sealedLabel   string
		)
		if err := rows.Scan(
			&rec.ID, &rec.ActorID, &rec.Schema, &rec.Source,
			&sealedPatient, &sealedAge, &sealedSex,
			&sealedLabel, &rec.Probability, &rec.RiskLevel,
			&rec.TopFactors, &rec.ExplanationText,
			&rec.ModelVersion, &rec.SecondOpinion, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		rec.PatientID = s.openOrMark(rec.ID, "patient_id", sealedPatient)
		rec.Age = s.openOrMark(rec.ID, "age", sealedAge)
		rec.Sex = s.openOrMark(rec.ID, "sex", sealedSex)
		rec.PredictedLabel = s.openOrMark(rec.ID, "predicted_label", sealedLabel)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate predictions: %w", err)
	}
	return out, nil
}

// openOrMark decrypts one field; a failure is logged and degraded, never
// propagated, so one bad record cannot poison a listing.
func (s *Store) openOrMark(recordID, field, blob string) string {
	plain, err := s.Cipher.Open(blob)
	if err != nil {
		log.Printf("audit: record %s field %s undecryptable: %v", recordID, field, err)
		return Undecryptable
	}
	return plain
}

func formatAge(age *float64) string {
	if age == nil {
		return ""
	}
	return strconv.FormatFloat(*age, 'f', -1, 64)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
