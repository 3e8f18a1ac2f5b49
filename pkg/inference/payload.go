package inference

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/SubinJosephArangathu/LiverCare/pkg/panel"
)

// Pseudo-fields that the wire maps carry alongside canonical lab names.
const (
	fieldAge       = "\x00age"
	fieldSex       = "\x00sex"
	fieldPatientID = "\x00patientId"
)

type wireField struct {
	// Name is the key the remote service expects.
	Name string
	// Source is a canonical lab name from pkg/panel, or a pseudo-field.
	Source string
}

// wireFields fixes, per schema, both the remote key names and their order.
// The order is part of the service contract and must not change.
var wireFields = map[panel.Schema][]wireField{
	panel.SchemaHCV: {
		{"Age", fieldAge},
		{"Sex", fieldSex},
		{"ALB", panel.LabALB},
		{"ALP", panel.LabALP},
		{"ALT", panel.LabALT},
		{"AST", panel.LabAST},
		{"BIL", panel.LabTotalBilirubin},
		{"CHE", panel.LabCHE},
		{"CHOL", panel.LabCHOL},
		{"CREA", panel.LabCREA},
		{"GGT", panel.LabGGT},
		{"PROT", panel.LabTotalProtein},
		{"patient_id", fieldPatientID},
	},
	panel.SchemaILPD: {
		{"patient_id", fieldPatientID},
		{"Age", fieldAge},
		{"Gender", fieldSex},
		{"TB", panel.LabTotalBilirubin},
		{"DB", panel.LabDirectBili},
		{"Alkphos", panel.LabALP},
		{"Sgpt", panel.LabALT},
		{"Sgot", panel.LabAST},
		{"TP", panel.LabTotalProtein},
		{"ALB", panel.LabALB},
		{"A_G", panel.LabAGRatio},
	},
}

// BuildPayload renders the canonical vector as the remote request body,
// preserving the schema's exact key order. Missing lab values are sent as 0,
// which is what the deployed model service expects for absent features.
func BuildPayload(v panel.Vector) ([]byte, error) {
	fields, ok := wireFields[v.Schema]
	if !ok {
		return nil, fmt.Errorf("no wire contract for schema %q", v.Schema)
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, _ := json.Marshal(field.Name)
		buf.Write(keyJSON)
		buf.WriteByte(':')
		valJSON, err := json.Marshal(wireValue(v, field.Source))
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", field.Name, err)
		}
		buf.Write(valJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func wireValue(v panel.Vector, source string) any {
	switch source {
	case fieldAge:
		if v.Age == nil {
			return 0.0
		}
		return *v.Age
	case fieldSex:
		// The HCV model takes a numeric sex feature; the ILPD service takes
		// the display token.
		if v.Schema == panel.SchemaHCV {
			if v.Sex == panel.SexMale {
				return 1
			}
			return 0
		}
		return string(v.Sex)
	case fieldPatientID:
		return v.PatientID
	default:
		if val := v.Lab(source); val != nil {
			return *val
		}
		return 0.0
	}
}
