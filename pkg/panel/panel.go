// Package panel maps the inconsistent lab-panel payloads accepted by the
// dashboard onto one canonical feature vector. Every alias, sex token, and
// schema definition lives here as data; no other package re-derives field
// names.
package panel

import (
	"fmt"
	"strings"
)

type Sex string

const (
	SexMale    Sex = "Male"
	SexFemale  Sex = "Female"
	SexUnknown Sex = "Unknown"
)

type Schema string

const (
	// SchemaHCV is the hepatitis-C style serum panel the primary model was
	// trained on: ALB..PROT in the service's expected order.
	SchemaHCV Schema = "hcv"
	// SchemaILPD is the liver-patient dataset panel used by the bulk
	// importer and the older intake form.
	SchemaILPD Schema = "ilpd"
)

// Canonical lab field names. Both schemas resolve shared clinical
// quantities to the same name; only genuinely panel-specific analytes keep
// schema-specific entries.
const (
	LabALB            = "ALB"
	LabALP            = "ALP"
	LabALT            = "ALT"
	LabAST            = "AST"
	LabTotalBilirubin = "totalBilirubin"
	LabDirectBili     = "directBilirubin"
	LabCHE            = "CHE"
	LabCHOL           = "CHOL"
	LabCREA           = "CREA"
	LabGGT            = "GGT"
	LabTotalProtein   = "totalProtein"
	LabAGRatio        = "albuminGlobulinRatio"
)

// Non-lab canonical keys.
const (
	keyPatientID = "patientId"
	keyAge       = "age"
	keySex       = "sex"
	keySchema    = "schema"
)

// aliasTable resolves lowercased input keys to canonical names. It covers
// the JSON intake variants, the bulk CSV headers, and the canonical names
// themselves so that normalization is idempotent.
var aliasTable = map[string]string{
	"patientid":    keyPatientID,
	"patient_id":   keyPatientID,
	"patient_name": keyPatientID,

	"age":                keyAge,
	"age of the patient": keyAge,

	"sex":                   keySex,
	"gender":                keySex,
	"gender of the patient": keySex,

	"schema": keySchema,

	"alb":         LabALB,
	"albu":        LabALB,
	"alb albumin": LabALB,

	"alp":                          LabALP,
	"alkphos":                      LabALP,
	"alkphos alkaline phosphotase": LabALP,
	"alkaline_phosphatase":         LabALP,

	"alt":                           LabALT,
	"sgpt":                          LabALT,
	"sgpt alamine aminotransferase": LabALT,

	"ast":                             LabAST,
	"sgot":                            LabAST,
	"sgot aspartate aminotransferase": LabAST,

	"bil":             LabTotalBilirubin,
	"tb":              LabTotalBilirubin,
	"total bilirubin": LabTotalBilirubin,
	"totalbilirubin":  LabTotalBilirubin,

	"db":               LabDirectBili,
	"direct bilirubin": LabDirectBili,
	"directbilirubin":  LabDirectBili,

	"che": LabCHE,

	"chol": LabCHOL,
	"ch":   LabCHOL,

	"crea":          LabCREA,
	"creatinine":    LabCREA,
	"creatinine_mg": LabCREA,

	"ggt": LabGGT,

	"prot":           LabTotalProtein,
	"protein":        LabTotalProtein,
	"tp":             LabTotalProtein,
	"total proteins": LabTotalProtein,
	"total protiens": LabTotalProtein, // spelling as shipped in the dataset export
	"totalprotein":   LabTotalProtein,

	"a_g":       LabAGRatio,
	"ag_ratio":  LabAGRatio,
	"a/g ratio": LabAGRatio,
	"a/g ratio albumin and globulin ratio": LabAGRatio,
	"albuminglobulinratio":                 LabAGRatio,
}

// maleTokens and femaleTokens are the single source of truth for sex value
// interpretation across every intake path.
var (
	maleTokens   = tokenSet("m", "male", "1", "true", "t", "yes", "y")
	femaleTokens = tokenSet("f", "female", "0", "false", "n", "no")
)

func tokenSet(tokens ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

// ParseSex maps a raw sex/gender value through the shared token table.
// Anything unrecognized is Unknown, never an error.
func ParseSex(raw string) Sex {
	tok := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := maleTokens[tok]; ok {
		return SexMale
	}
	if _, ok := femaleTokens[tok]; ok {
		return SexFemale
	}
	return SexUnknown
}

// schemaLabs lists each schema's lab membership in canonical names. The
// Inference payload ordering is derived from these same lists.
var schemaLabs = map[Schema][]string{
	SchemaHCV: {
		LabALB, LabALP, LabALT, LabAST, LabTotalBilirubin,
		LabCHE, LabCHOL, LabCREA, LabGGT, LabTotalProtein,
	},
	SchemaILPD: {
		LabTotalBilirubin, LabDirectBili, LabALP, LabALT, LabAST,
		LabTotalProtein, LabALB, LabAGRatio,
	},
}

// exclusiveLabs holds, per schema, the canonical labs no other schema
// carries. Their presence drives schema inference and blend rejection.
var exclusiveLabs = map[Schema]map[string]struct{}{
	SchemaHCV:  tokenSet(LabCHE, LabCHOL, LabCREA, LabGGT),
	SchemaILPD: tokenSet(LabDirectBili, LabAGRatio),
}

// SchemaFields returns the schema's lab fields in canonical order.
func SchemaFields(s Schema) []string {
	labs, ok := schemaLabs[s]
	if !ok {
		return nil
	}
	out := make([]string, len(labs))
	copy(out, labs)
	return out
}

func ValidSchema(s Schema) bool {
	_, ok := schemaLabs[s]
	return ok
}

// Vector is the canonical feature vector: the single representation of a
// lab panel regardless of which intake shape produced it. Missing values
// stay nil; zero is a measured value.
type Vector struct {
	PatientID string
	Age       *float64
	Sex       Sex
	Schema    Schema
	Labs      map[string]*float64
}

// Lab returns the named canonical lab value, nil when absent.
func (v Vector) Lab(name string) *float64 {
	return v.Labs[name]
}

// AsMap renders the vector in its canonical map form. Normalizing that map
// yields the vector back unchanged.
func (v Vector) AsMap() map[string]any {
	out := map[string]any{
		"patientId": v.PatientID,
		"sex":       string(v.Sex),
		"schema":    string(v.Schema),
	}
	if v.Age != nil {
		out["age"] = *v.Age
	}
	for name, val := range v.Labs {
		if val != nil {
			out[name] = *val
		}
	}
	return out
}

// NormalizationError reports unusable input, naming the offending field.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	if e.Field == "" {
		return "normalize: " + e.Reason
	}
	return fmt.Sprintf("normalize: field %q: %s", e.Field, e.Reason)
}
