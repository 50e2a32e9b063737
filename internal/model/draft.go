package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Form field names, as sent to the Prediction API inside patient_data.
const (
	FieldPatientID        = "id"
	FieldIdentification   = "identificacion"
	FieldName             = "nombre_paciente"
	FieldSex              = "sexo"
	FieldAge              = "edad"
	FieldCurrentVisitDate = "current_visit_date"
	FieldIsFirstVisit     = "is_first_visit"
	FieldInitialSize      = "initial_tumor_size_cm3"
	FieldPreviousSize     = "previous_tumor_size_cm3"
	FieldLastVisitDate    = "last_visit_date"
	FieldDiagnosisDate    = "fecha_diagnostico"
	FieldTreatmentDays    = "dias_tratamiento"
	FieldStage            = "estadio"
	FieldGrade            = "grado_histopatologico"
	FieldERPR             = "er_pr"
	FieldCancerType       = "tipo_cancer"
	FieldHER2             = "her2"
	FieldMetastasis       = "metastasis"
)

// FieldKind is the type a draft field is coerced to.
type FieldKind int

const (
	KindString FieldKind = iota
	KindFloat
	KindInt
	KindBool
)

var fieldKinds = map[string]FieldKind{
	FieldInitialSize:   KindFloat,
	FieldPreviousSize:  KindFloat,
	FieldAge:           KindInt,
	FieldTreatmentDays: KindInt,
	FieldIsFirstVisit:  KindBool,
	FieldPatientID:     KindInt,
}

// NewPatientFields are only sent when no existing patient is selected.
var NewPatientFields = []string{FieldIdentification, FieldName, FieldSex, FieldAge}

// SubsequentVisitFields are only sent when the visit is not the first one.
var SubsequentVisitFields = []string{FieldPreviousSize, FieldLastVisitDate}

// FormFields lists every field the intake form edits, in form order.
var FormFields = []string{
	FieldPatientID, FieldIdentification, FieldName, FieldSex, FieldAge,
	FieldCurrentVisitDate, FieldIsFirstVisit, FieldInitialSize, FieldPreviousSize,
	FieldLastVisitDate, FieldDiagnosisDate, FieldTreatmentDays, FieldStage,
	FieldGrade, FieldERPR, FieldCancerType, FieldHER2, FieldMetastasis,
}

var formFieldSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(FormFields))
	for _, f := range FormFields {
		m[f] = struct{}{}
	}
	return m
}()

func IsFormField(name string) bool {
	_, ok := formFieldSet[name]
	return ok
}

// KindOf reports how a field is coerced; unknown fields are strings.
func KindOf(field string) FieldKind {
	if k, ok := fieldKinds[field]; ok {
		return k
	}
	return KindString
}

// FieldError describes input that cannot be coerced to its field's type.
type FieldError struct {
	Field string
	Value string
	Kind  FieldKind
}

func (e *FieldError) Error() string {
	var want string
	switch e.Kind {
	case KindFloat:
		want = "a number"
	case KindInt:
		want = "a whole number"
	case KindBool:
		want = "true or false"
	default:
		want = "text"
	}
	return fmt.Sprintf("%s must be %s", e.Field, want)
}

// PatientDraft accumulates typed form values as the user edits the form.
// It is not safe for concurrent use.
type PatientDraft struct {
	values map[string]interface{}
}

func NewPatientDraft() *PatientDraft {
	return &PatientDraft{values: make(map[string]interface{})}
}

// Set coerces raw input to the field's kind. Blank input removes the field.
func (d *PatientDraft) Set(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Delete(field)
		return nil
	}

	kind := KindOf(field)
	switch kind {
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return &FieldError{Field: field, Value: raw, Kind: kind}
		}
		d.values[field] = f
	case KindInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return &FieldError{Field: field, Value: raw, Kind: kind}
		}
		d.values[field] = i
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return &FieldError{Field: field, Value: raw, Kind: kind}
		}
		d.values[field] = b
	default:
		d.values[field] = raw
	}
	return nil
}

// SetValue stores an already typed value.
func (d *PatientDraft) SetValue(field string, v interface{}) {
	d.values[field] = v
}

func (d *PatientDraft) String(field string) string {
	if s, ok := d.values[field].(string); ok {
		return s
	}
	return ""
}

func (d *PatientDraft) Float(field string) float64 {
	switch v := d.values[field].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (d *PatientDraft) Delete(fields ...string) {
	for _, f := range fields {
		delete(d.values, f)
	}
}

func (d *PatientDraft) Clear() {
	d.values = make(map[string]interface{})
}

// Values returns a copy of the draft contents.
func (d *PatientDraft) Values() JSONMap {
	out := make(JSONMap, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}
