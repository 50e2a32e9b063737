package workflow

import (
	"errors"

	"github.com/jwalitptl/tumor-intake/internal/model"
)

// State is the view the workflow is currently showing.
type State string

const (
	StateLoggedOut    State = "logged_out"
	StateIntroduction State = "introduction"
	StateFormEntry    State = "form_entry"
	StateSubmitting   State = "submitting"
	StateResults      State = "results"
)

// Section is the part of the page an error is shown next to.
type Section string

const (
	SectionLogin    Section = "login"
	SectionPatients Section = "patients"
	SectionHistory  Section = "history"
	SectionForm     Section = "form"
)

var (
	ErrInvalidTransition  = errors.New("workflow: operation not allowed in current state")
	ErrSubmissionInFlight = errors.New("workflow: submission already in flight")
	ErrStaleResult        = errors.New("workflow: result superseded by a newer state")
)

// View is an immutable snapshot of the controller for rendering.
type View struct {
	State          State
	HistoryLoading bool
	Authenticated  bool
	Model          model.ModelType

	Patients          []model.PatientSummary
	PatientsLoading   bool
	SelectedPatientID *int

	NewPatientFieldsVisible  bool
	FirstVisit               bool
	SubsequentFieldsVisible  bool
	SubsequentFieldsRequired bool

	Draft   model.JSONMap
	History []model.VisitHistoryEntry

	Result         *model.PredictionResult
	ChartAvailable bool
	SubmitDisabled bool

	Errors map[Section]string
}

// Error returns the message shown in a section, if any.
func (v View) Error(s Section) string {
	return v.Errors[s]
}
