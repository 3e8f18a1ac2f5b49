package panel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Normalize maps a raw intake payload onto a canonical Vector. Keys match
// the alias table case-insensitively; unknown keys are ignored so callers
// may send extra fields, and two aliases of the same field must carry the
// same value. hint can be empty, in which case the schema is
// inferred from which exclusive canonical labs are present. Values from two
// different panels in one payload are rejected, never blended.
func Normalize(raw map[string]any, hint Schema) (Vector, error) {
	resolved := make(map[string]any, len(raw))
	for key, val := range raw {
		canonical, ok := aliasTable[strings.ToLower(strings.TrimSpace(key))]
		if !ok {
			continue
		}
		// Two raw keys may alias the same canonical field. Equal values
		// collapse; disagreeing values are rejected rather than letting
		// map order pick a winner.
		if prev, dup := resolved[canonical]; dup {
			if stringify(prev) != stringify(val) {
				return Vector{}, &NormalizationError{Field: canonical, Reason: "conflicting values for aliased field"}
			}
			continue
		}
		resolved[canonical] = val
	}

	schema, err := resolveSchema(resolved, hint)
	if err != nil {
		return Vector{}, err
	}

	v := Vector{
		Schema: schema,
		Sex:    SexUnknown,
		Labs:   make(map[string]*float64, len(schemaLabs[schema])),
	}

	if rawSex, ok := resolved[keySex]; ok {
		v.Sex = ParseSex(stringify(rawSex))
	}
	if rawAge, ok := resolved[keyAge]; ok {
		age, err := parseNumeric(keyAge, rawAge)
		if err != nil {
			return Vector{}, err
		}
		v.Age = age
	}
	for _, lab := range schemaLabs[schema] {
		rawVal, ok := resolved[lab]
		if !ok {
			v.Labs[lab] = nil
			continue
		}
		val, err := parseNumeric(lab, rawVal)
		if err != nil {
			return Vector{}, err
		}
		v.Labs[lab] = val
	}

	v.PatientID = strings.TrimSpace(stringify(resolved[keyPatientID]))
	if v.PatientID == "" {
		v.PatientID = SynthesizePatientID()
	}
	return v, nil
}

// SynthesizePatientID produces a fresh identifier for payloads that arrive
// without one. Unique per request; a prior id is never reused.
func SynthesizePatientID() string {
	return "P_" + uuid.NewString()
}

func resolveSchema(resolved map[string]any, hint Schema) (Schema, error) {
	present := func(s Schema) bool {
		for lab := range exclusiveLabs[s] {
			if _, ok := resolved[lab]; ok {
				return true
			}
		}
		return false
	}
	hasHCV := present(SchemaHCV)
	hasILPD := present(SchemaILPD)
	if hasHCV && hasILPD {
		return "", &NormalizationError{Reason: "payload mixes fields from multiple panel schemas"}
	}

	if declared, ok := resolved[keySchema]; ok && hint == "" {
		hint = Schema(strings.ToLower(strings.TrimSpace(stringify(declared))))
	}
	if hint != "" {
		if !ValidSchema(hint) {
			return "", &NormalizationError{Field: keySchema, Reason: fmt.Sprintf("unknown schema %q", hint)}
		}
		if hint == SchemaHCV && hasILPD {
			return "", &NormalizationError{Reason: "payload declared hcv but carries ilpd-only fields"}
		}
		if hint == SchemaILPD && hasHCV {
			return "", &NormalizationError{Reason: "payload declared ilpd but carries hcv-only fields"}
		}
		return hint, nil
	}
	if hasHCV {
		return SchemaHCV, nil
	}
	if hasILPD {
		return SchemaILPD, nil
	}
	return "", &NormalizationError{Field: keySchema, Reason: "schema not declared and not inferable from fields"}
}

// parseNumeric converts a raw JSON value to a nullable float. Empty and
// missing values are nil, never zero; non-numeric tokens are errors naming
// the field.
func parseNumeric(field string, raw any) (*float64, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case float64:
		return &val, nil
	case float32:
		f := float64(val)
		return &f, nil
	case int:
		f := float64(val)
		return &f, nil
	case int64:
		f := float64(val)
		return &f, nil
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, &NormalizationError{Field: field, Reason: fmt.Sprintf("not numeric: %q", val)}
		}
		return &f, nil
	default:
		return nil, &NormalizationError{Field: field, Reason: fmt.Sprintf("unsupported value type %T", raw)}
	}
}

func stringify(raw any) string {
	switch val := raw.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", raw)
	}
}
