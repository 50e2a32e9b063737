// Package presenter turns a workflow View into data a page or terminal can show.
package presenter

import (
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/internal/workflow"
)

var (
	textPolicyOnce sync.Once
	textPolicy     *bluemonday.Policy
)

// textSanitizer allows the light markup the Prediction API uses in interpretive text.
func textSanitizer() *bluemonday.Policy {
	textPolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		policy.AllowElements("br", "p", "ul", "ol", "li", "strong", "em", "b", "i")
		textPolicy = policy
	})
	return textPolicy
}

// SanitizeHTML returns server supplied markup safe to embed in the page.
func SanitizeHTML(raw string) template.HTML {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	return template.HTML(strings.TrimSpace(textSanitizer().Sanitize(trimmed)))
}

type PatientOption struct {
	ID       int    `json:"id"`
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
}

type HistoryRow struct {
	VisitDate         string `json:"visit_date"`
	TumorSize         string `json:"tumor_size"`
	ComputedRate      string `json:"computed_rate"`
	ModelType         string `json:"model_type"`
	EstimatedTimeDays string `json:"estimated_time_days"`
}

type Result struct {
	EstimatedTime      string        `json:"estimated_time"`
	TimeUnit           string        `json:"time_unit"`
	ConfidenceInterval string        `json:"confidence_interval"`
	CurrentStage       string        `json:"current_stage"`
	Interpretation     template.HTML `json:"interpretation"`
	PossibleTreatments template.HTML `json:"possible_treatments"`
	Disclaimer         template.HTML `json:"disclaimer"`
	Equation           string        `json:"equation"`
	ParametersUsed     string        `json:"parameters_used"`
	PatientDataSent    string        `json:"patient_data_sent"`
}

// Page is everything the intake page renders.
type Page struct {
	State          string `json:"state"`
	Authenticated  bool   `json:"authenticated"`
	ModelType      string `json:"model_type"`
	ModelName      string `json:"model_name"`
	HistoryLoading bool   `json:"history_loading"`

	Patients []PatientOption `json:"patients,omitempty"`

	NewPatientFieldsVisible  bool              `json:"new_patient_fields_visible"`
	FirstVisit               bool              `json:"first_visit"`
	SubsequentFieldsVisible  bool              `json:"subsequent_fields_visible"`
	SubsequentFieldsRequired bool              `json:"subsequent_fields_required"`
	Fields                   map[string]string `json:"fields,omitempty"`

	History []HistoryRow `json:"history,omitempty"`
	Result  *Result      `json:"result,omitempty"`

	ChartAvailable bool `json:"chart_available"`
	SubmitDisabled bool `json:"submit_disabled"`

	Errors map[string]string `json:"errors,omitempty"`
}

// NewPage builds the page data for a snapshot.
func NewPage(v workflow.View) Page {
	p := Page{
		State:                    string(v.State),
		Authenticated:            v.Authenticated,
		ModelType:                string(v.Model),
		ModelName:                v.Model.DisplayName(),
		HistoryLoading:           v.HistoryLoading,
		Patients:                 PatientOptions(v.Patients, v.SelectedPatientID),
		NewPatientFieldsVisible:  v.NewPatientFieldsVisible,
		FirstVisit:               v.FirstVisit,
		SubsequentFieldsVisible:  v.SubsequentFieldsVisible,
		SubsequentFieldsRequired: v.SubsequentFieldsRequired,
		Fields:                   FieldValues(v.Draft),
		History:                  HistoryRows(v.History),
		ChartAvailable:           v.ChartAvailable,
		SubmitDisabled:           v.SubmitDisabled,
		Errors:                   make(map[string]string, len(v.Errors)),
	}
	for section, msg := range v.Errors {
		p.Errors[string(section)] = msg
	}
	if v.Result != nil {
		p.Result = NewResult(v.Result)
	}
	return p
}

func PatientOptions(patients []model.PatientSummary, selected *int) []PatientOption {
	out := make([]PatientOption, 0, len(patients))
	for _, pt := range patients {
		out = append(out, PatientOption{
			ID:       pt.ID,
			Label:    pt.Label(),
			Selected: selected != nil && *selected == pt.ID,
		})
	}
	return out
}

// HistoryRows formats visits: size with 2 decimals, rate with 5, capitalized model, N/A for no estimate.
func HistoryRows(entries []model.VisitHistoryEntry) []HistoryRow {
	rows := make([]HistoryRow, 0, len(entries))
	for _, e := range entries {
		est := "N/A"
		if e.EstimatedTimeDays != nil && *e.EstimatedTimeDays != 0 {
			est = strconv.FormatFloat(*e.EstimatedTimeDays, 'f', 2, 64)
		}
		rows = append(rows, HistoryRow{
			VisitDate:         e.VisitDate,
			TumorSize:         strconv.FormatFloat(e.TumorSize, 'f', 2, 64),
			ComputedRate:      strconv.FormatFloat(e.ComputedRate, 'f', 5, 64),
			ModelType:         capitalize(string(e.ModelType)),
			EstimatedTimeDays: est,
		})
	}
	return rows
}

// NewResult formats a prediction. Values are shown as received.
func NewResult(r *model.PredictionResult) *Result {
	return &Result{
		EstimatedTime:      r.EstimatedTime,
		TimeUnit:           r.TimeUnit,
		ConfidenceInterval: r.ConfidenceInterval,
		CurrentStage:       r.CurrentStage,
		Interpretation:     SanitizeHTML(r.Interpretation),
		PossibleTreatments: SanitizeHTML(r.PossibleTreatments),
		Disclaimer:         SanitizeHTML(r.Disclaimer),
		Equation:           r.Equation,
		ParametersUsed:     PrettyJSON(r.ParametersUsed),
		PatientDataSent:    PrettyJSON(r.PatientDataSent),
	}
}

// FieldValues renders draft values back into form input strings.
func FieldValues(draft model.JSONMap) map[string]string {
	out := make(map[string]string, len(draft))
	for k, v := range draft {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(val)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func PrettyJSON(v model.JSONMap) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
