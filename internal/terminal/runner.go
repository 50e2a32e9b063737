package terminal

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/internal/presenter"
	"github.com/jwalitptl/tumor-intake/internal/web"
	"github.com/jwalitptl/tumor-intake/internal/workflow"
	apperrors "github.com/jwalitptl/tumor-intake/pkg/errors"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

// Workflow is the part of the intake controller the runner drives.
type Workflow interface {
	Snapshot() workflow.View
	Login(ctx context.Context, doctorCode string) error
	SelectModel(ctx context.Context, mt model.ModelType) error
	SelectPatient(ctx context.Context, patientID *int) error
	SetFirstVisit(firstVisit bool) error
	SetField(ctx context.Context, field, raw string) error
	LoadHistory(ctx context.Context) error
	Submit(ctx context.Context) error
	NewPrediction(ctx context.Context) error
	ChartHTML() ([]byte, bool)
}

type fieldPrompt struct {
	field   string
	message string
	// newPatient fields are only asked when no existing patient is selected.
	newPatient bool
	// subsequent fields are only asked for a follow-up visit.
	subsequent bool
}

var fieldPrompts = []fieldPrompt{
	{field: model.FieldIdentification, message: "Patient identification", newPatient: true},
	{field: model.FieldName, message: "Patient name", newPatient: true},
	{field: model.FieldSex, message: "Sex", newPatient: true},
	{field: model.FieldAge, message: "Age", newPatient: true},
	{field: model.FieldCurrentVisitDate, message: "Current visit date (YYYY-MM-DD)"},
	{field: model.FieldInitialSize, message: "Current tumor size (cm3)"},
	{field: model.FieldPreviousSize, message: "Previous tumor size (cm3)", subsequent: true},
	{field: model.FieldLastVisitDate, message: "Previous visit date (YYYY-MM-DD)", subsequent: true},
	{field: model.FieldDiagnosisDate, message: "Diagnosis date (YYYY-MM-DD)"},
	{field: model.FieldTreatmentDays, message: "Days of treatment"},
	{field: model.FieldStage, message: "Stage"},
	{field: model.FieldGrade, message: "Histopathological grade"},
	{field: model.FieldERPR, message: "ER/PR"},
	{field: model.FieldCancerType, message: "Cancer type"},
	{field: model.FieldHER2, message: "HER2"},
	{field: model.FieldMetastasis, message: "Metastasis"},
}

type Option func(*Runner)

// WithChartPath sets the file the growth chart page is written to.
func WithChartPath(path string) Option {
	return func(r *Runner) { r.chartPath = path }
}

func WithLogger(l *logger.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// Runner walks the doctor through the intake workflow one prompt at a time.
type Runner struct {
	wf        Workflow
	prompt    Prompter
	chartPath string
	logger    *logger.Logger
	plain     *bluemonday.Policy
	writeFile func(name string, data []byte, perm os.FileMode) error
}

func NewRunner(wf Workflow, prompt Prompter, opts ...Option) *Runner {
	r := &Runner{
		wf:        wf,
		prompt:    prompt,
		chartPath: "growth_chart.html",
		logger:    logger.Nop(),
		plain:     bluemonday.StrictPolicy(),
		writeFile: os.WriteFile,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run prompts until the user exits, a prompt fails or ctx is done.
// Workflow errors are shown to the user and the session continues.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		v := r.wf.Snapshot()
		var (
			done bool
			err  error
		)
		switch v.State {
		case workflow.StateLoggedOut:
			err = r.login(ctx)
		case workflow.StateIntroduction:
			done, err = r.chooseModel(ctx)
		case workflow.StateFormEntry:
			done, err = r.fillForm(ctx)
		case workflow.StateResults:
			done, err = r.showResults(ctx, v)
		default:
			return fmt.Errorf("terminal: unexpected workflow state %q", v.State)
		}
		if err != nil || done {
			return err
		}
	}
}

func (r *Runner) login(ctx context.Context) error {
	code, err := r.prompt.Input(ctx, InputConfig{Message: "Doctor code"})
	if err != nil {
		return err
	}
	if err := r.wf.Login(ctx, code); err != nil {
		return r.report(ctx, err)
	}
	return nil
}

func (r *Runner) chooseModel(ctx context.Context) (bool, error) {
	options := make([]string, 0, len(model.ModelTypes)+1)
	for _, mt := range model.ModelTypes {
		options = append(options, mt.DisplayName()+" model")
	}
	options = append(options, "Exit")

	idx, err := r.prompt.Select(ctx, SelectConfig{Message: "Choose a growth model", Options: options})
	if err != nil {
		return false, err
	}
	if idx < 0 || idx >= len(model.ModelTypes) {
		return true, nil
	}
	if err := r.wf.SelectModel(ctx, model.ModelTypes[idx]); err != nil {
		return false, r.report(ctx, err)
	}
	return false, nil
}

func (r *Runner) fillForm(ctx context.Context) (bool, error) {
	v := r.wf.Snapshot()
	if err := r.showErrors(ctx, v, workflow.SectionPatients); err != nil {
		return false, err
	}

	if err := r.choosePatient(ctx, v); err != nil {
		return false, err
	}

	v = r.wf.Snapshot()
	if v.SelectedPatientID != nil {
		load, err := r.prompt.Confirm(ctx, ConfirmConfig{Message: "Load the previous visit from history?", Default: true})
		if err != nil {
			return false, err
		}
		if load {
			if err := r.loadHistory(ctx); err != nil {
				return false, err
			}
		}
	}

	v = r.wf.Snapshot()
	first, err := r.prompt.Confirm(ctx, ConfirmConfig{Message: "Is this the patient's first visit?", Default: v.FirstVisit})
	if err != nil {
		return false, err
	}
	if first != v.FirstVisit {
		if err := r.wf.SetFirstVisit(first); err != nil {
			return false, r.report(ctx, err)
		}
	}

	v = r.wf.Snapshot()
	values := presenter.FieldValues(v.Draft)
	for _, fp := range fieldPrompts {
		if fp.newPatient && !v.NewPatientFieldsVisible {
			continue
		}
		if fp.subsequent && !v.SubsequentFieldsVisible {
			continue
		}
		if err := r.askField(ctx, fp, values[fp.field]); err != nil {
			return false, err
		}
	}

	if err := r.info(ctx, "Calculating prediction..."); err != nil {
		return false, err
	}
	if err := r.wf.Submit(ctx); err != nil {
		if err := r.report(ctx, err); err != nil {
			return false, err
		}
		again, err := r.prompt.Confirm(ctx, ConfirmConfig{Message: "Edit the form again?", Default: true})
		if err != nil {
			return false, err
		}
		return !again, nil
	}
	return false, nil
}

func (r *Runner) choosePatient(ctx context.Context, v workflow.View) error {
	options := make([]string, 0, len(v.Patients)+1)
	options = append(options, "New patient")
	def := 0
	for i, p := range v.Patients {
		options = append(options, p.Label())
		if v.SelectedPatientID != nil && *v.SelectedPatientID == p.ID {
			def = i + 1
		}
	}

	idx, err := r.prompt.Select(ctx, SelectConfig{Message: "Patient", Options: options, DefaultIndex: def, PageSize: 10})
	if err != nil {
		return err
	}
	var id *int
	if idx > 0 && idx <= len(v.Patients) {
		pid := v.Patients[idx-1].ID
		id = &pid
	}
	if sameID(id, v.SelectedPatientID) {
		return nil
	}
	if err := r.wf.SelectPatient(ctx, id); err != nil {
		return r.report(ctx, err)
	}
	return nil
}

func (r *Runner) loadHistory(ctx context.Context) error {
	if err := r.info(ctx, "Loading history..."); err != nil {
		return err
	}
	if err := r.wf.LoadHistory(ctx); err != nil {
		return r.report(ctx, err)
	}
	v := r.wf.Snapshot()
	if err := r.showErrors(ctx, v, workflow.SectionHistory); err != nil {
		return err
	}
	return r.showHistory(ctx, v.History)
}

// askField repeats the prompt until the value is accepted.
func (r *Runner) askField(ctx context.Context, fp fieldPrompt, current string) error {
	for {
		raw, err := r.askValue(ctx, fp, current)
		if err != nil {
			return err
		}
		err = r.wf.SetField(ctx, fp.field, raw)
		if err == nil {
			return nil
		}
		if !apperrors.HasCode(err, apperrors.ErrValidation) {
			return r.report(ctx, err)
		}
		if err := r.report(ctx, err); err != nil {
			return err
		}
		current = raw
	}
}

func (r *Runner) askValue(ctx context.Context, fp fieldPrompt, current string) (string, error) {
	choices := web.Choices(fp.field)
	if len(choices) == 0 {
		return r.prompt.Input(ctx, InputConfig{Message: fp.message, Default: current})
	}

	options := make([]string, len(choices))
	def := 0
	for i, c := range choices {
		options[i] = c.Label
		if c.Value == current {
			def = i
		}
	}
	idx, err := r.prompt.Select(ctx, SelectConfig{Message: fp.message, Options: options, DefaultIndex: def})
	if err != nil {
		return "", err
	}
	if idx < 0 || idx >= len(choices) {
		return "", fmt.Errorf("terminal: no option %d for %s", idx, fp.field)
	}
	return choices[idx].Value, nil
}

func (r *Runner) showResults(ctx context.Context, v workflow.View) (bool, error) {
	if v.Result != nil {
		res := presenter.NewResult(v.Result)
		lines := []string{
			"",
			fmt.Sprintf("Estimated time to critical size: %s %s", res.EstimatedTime, res.TimeUnit),
			"Confidence interval: " + res.ConfidenceInterval,
			"Current stage: " + res.CurrentStage,
			"Model equation: " + res.Equation,
			"Interpretation: " + r.plainText(string(res.Interpretation)),
			"Possible treatments: " + r.plainText(string(res.PossibleTreatments)),
			"Parameters used:\n" + res.ParametersUsed,
			"Patient data sent:\n" + res.PatientDataSent,
			r.plainText(string(res.Disclaimer)),
		}
		if err := r.info(ctx, strings.Join(lines, "\n")); err != nil {
			return false, err
		}
	}

	if err := r.showHistory(ctx, v.History); err != nil {
		return false, err
	}
	if err := r.writeChart(ctx, v); err != nil {
		return false, err
	}

	idx, err := r.prompt.Select(ctx, SelectConfig{Message: "What next?", Options: []string{"New prediction", "Exit"}})
	if err != nil {
		return false, err
	}
	if idx != 0 {
		return true, nil
	}
	if err := r.wf.NewPrediction(ctx); err != nil {
		return false, r.report(ctx, err)
	}
	return false, nil
}

func (r *Runner) writeChart(ctx context.Context, v workflow.View) error {
	if !v.ChartAvailable {
		return nil
	}
	page, ok := r.wf.ChartHTML()
	if !ok {
		return nil
	}
	if err := r.writeFile(r.chartPath, page, 0o644); err != nil {
		r.logger.Error(err, "failed to write growth chart", "path", r.chartPath)
		return r.info(ctx, "! Could not write the growth chart: "+err.Error())
	}
	return r.info(ctx, "Growth chart written to "+r.chartPath)
}

func (r *Runner) showHistory(ctx context.Context, entries []model.VisitHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("Visit history:\n")
	fmt.Fprintf(&b, "%-12s %10s %10s %-12s %10s\n", "Date", "Size", "Rate", "Model", "Est. days")
	for _, row := range presenter.HistoryRows(entries) {
		fmt.Fprintf(&b, "%-12s %10s %10s %-12s %10s\n", row.VisitDate, row.TumorSize, row.ComputedRate, row.ModelType, row.EstimatedTimeDays)
	}
	return r.info(ctx, strings.TrimRight(b.String(), "\n"))
}

func (r *Runner) showErrors(ctx context.Context, v workflow.View, sections ...workflow.Section) error {
	for _, s := range sections {
		if msg := v.Error(s); msg != "" {
			if err := r.info(ctx, "! "+msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// report shows workflow errors to the user. Anything else ends the session.
func (r *Runner) report(ctx context.Context, err error) error {
	appErr, ok := apperrors.As(err)
	if !ok {
		return err
	}
	return r.info(ctx, "! "+appErr.Message)
}

func (r *Runner) info(ctx context.Context, msg string) error {
	return r.prompt.Info(ctx, msg)
}

func (r *Runner) plainText(s string) string {
	return strings.TrimSpace(r.plain.Sanitize(s))
}

func sameID(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
