package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Keys of PredictionResult.ParametersUsed the chart reads.
const (
	ParamCurrentSize       = "T0_calculo"
	ParamCriticalThreshold = "T_umbral_critico"
)

// PredictionRequest is the body of POST /predict.
type PredictionRequest struct {
	ModelType   ModelType `json:"model_type"`
	PatientData JSONMap   `json:"patient_data"`
	DoctorCode  string    `json:"doctor_code"`
}

// CurvePoint is one (time, size) sample of the predicted growth curve.
type CurvePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PredictionResult is the Prediction API response. Values are displayed as received.
type PredictionResult struct {
	EstimatedTime      string       `json:"tiempo_estimado"`
	TimeUnit           string       `json:"unidad_tiempo"`
	ConfidenceInterval string       `json:"intervalo_confianza"`
	CurrentStage       string       `json:"estado_cancer_actual_t"`
	Interpretation     string       `json:"interpretacion_resultado"`
	PossibleTreatments string       `json:"posibles_tratamientos"`
	Disclaimer         string       `json:"descargo_responsabilidad"`
	Equation           string       `json:"ecuacion_latex"`
	ParametersUsed     JSONMap      `json:"parametros_usados"`
	PatientDataSent    JSONMap      `json:"datos_paciente_enviados"`
	CurvePoints        []CurvePoint `json:"puntos_curva"`

	Raw json.RawMessage `json:"-"`
}

// Clone returns a copy that shares no maps or slices with r.
func (r *PredictionResult) Clone() *PredictionResult {
	if r == nil {
		return nil
	}
	out := *r
	out.ParametersUsed = r.ParametersUsed.Clone()
	out.PatientDataSent = r.PatientDataSent.Clone()
	if r.CurvePoints != nil {
		out.CurvePoints = append([]CurvePoint(nil), r.CurvePoints...)
	}
	if r.Raw != nil {
		out.Raw = append(json.RawMessage(nil), r.Raw...)
	}
	return &out
}

// Parameter reads a numeric entry of ParametersUsed.
func (r *PredictionResult) Parameter(name string) (float64, bool) {
	if r == nil || r.ParametersUsed == nil {
		return 0, false
	}
	switch v := r.ParametersUsed[name].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// EstimatedTimeValue parses EstimatedTime for placing the chart marker.
func (r *PredictionResult) EstimatedTimeValue() (float64, bool) {
	if r == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(r.EstimatedTime), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
