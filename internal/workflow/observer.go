package workflow

import (
	"context"
	"time"

	"github.com/jwalitptl/tumor-intake/internal/model"
)

type EventType string

const (
	EventLoginSucceeded      EventType = "login_succeeded"
	EventLoginFailed         EventType = "login_failed"
	EventModelSelected       EventType = "model_selected"
	EventPatientsLoaded      EventType = "patients_loaded"
	EventPatientsFailed      EventType = "patients_failed"
	EventPatientSelected     EventType = "patient_selected"
	EventHistoryLoaded       EventType = "history_loaded"
	EventHistoryEmpty        EventType = "history_empty"
	EventHistoryFailed       EventType = "history_failed"
	EventPredictionRejected  EventType = "prediction_rejected"
	EventPredictionSubmitted EventType = "prediction_submitted"
	EventPredictionSucceeded EventType = "prediction_succeeded"
	EventPredictionFailed    EventType = "prediction_failed"
	EventNewPrediction       EventType = "new_prediction"
	EventStaleResult         EventType = "stale_result"
)

// Event describes something that happened in a workflow session.
// DoctorCode is the raw credential; observers must not persist it as is.
type Event struct {
	Type       EventType
	SessionID  string
	DoctorCode string
	ModelType  model.ModelType
	PatientID  *int
	From       State
	To         State
	Detail     string
	At         time.Time
}

// Observer receives workflow events. It is called without the controller lock held.
type Observer interface {
	OnEvent(ctx context.Context, e Event)
}

type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) OnEvent(ctx context.Context, e Event) {
	f(ctx, e)
}

type nopObserver struct{}

func (nopObserver) OnEvent(context.Context, Event) {}
