// Package workflow sequences the clinical intake: doctor login, model selection,
// patient selection, history lookup, form validation, submission and results.
//
// All operations are serialized by the controller. Network calls run without the
// lock held; their completions are applied only if the workflow has not moved on
// since the call started.
package workflow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/internal/predictionapi"
	apperrors "github.com/jwalitptl/tumor-intake/pkg/errors"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

// PredictionAPI is the remote service the workflow calls.
type PredictionAPI interface {
	DoctorLogin(ctx context.Context, doctorCode string) error
	Patients(ctx context.Context, doctorCode string) ([]model.PatientSummary, error)
	PatientHistory(ctx context.Context, doctorCode string, patientID int) ([]model.VisitHistoryEntry, error)
	Predict(ctx context.Context, req model.PredictionRequest) (*model.PredictionResult, error)
}

// ChartRenderer owns the single live growth chart of a session.
type ChartRenderer interface {
	Render(points []model.CurvePoint, currentSize, criticalThreshold float64, estimatedTime *float64, timeUnit string) error
	HTML() ([]byte, bool)
	Dispose()
}

type Option func(*Controller)

func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithID sets the session ID reported in events and logs.
func WithID(id string) Option {
	return func(c *Controller) { c.id = id }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type Controller struct {
	mu sync.Mutex

	id       string
	api      PredictionAPI
	chart    ChartRenderer
	guard    *Guard
	logger   *logger.Logger
	metrics  *metrics.Metrics
	observer Observer
	now      func() time.Time

	state          State
	historyLoading bool
	// epoch advances on every transition and selection change; completions
	// started under an older epoch are discarded.
	epoch uint64
	// patientsGen identifies the latest patient list load.
	patientsGen     uint64
	patientsLoading bool

	doctorCode     string
	modelType      model.ModelType
	patients       []model.PatientSummary
	selected       *int
	firstVisit     bool
	draft          *model.PatientDraft
	history        []model.VisitHistoryEntry
	result         *model.PredictionResult
	chartAvailable bool
	errs           map[Section]string
}

func NewController(api PredictionAPI, chart ChartRenderer, opts ...Option) *Controller {
	c := &Controller{
		api:        api,
		chart:      chart,
		guard:      NewGuard(),
		logger:     logger.Nop(),
		observer:   nopObserver{},
		now:        time.Now,
		state:      StateLoggedOut,
		firstVisit: true,
		draft:      model.NewPatientDraft(),
		errs:       make(map[Section]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	return c
}

func (c *Controller) ID() string {
	return c.id
}

// Login authenticates the doctor code against the Prediction API.
// On failure the state is unchanged and the server message is shown verbatim.
func (c *Controller) Login(ctx context.Context, doctorCode string) error {
	doctorCode = strings.TrimSpace(doctorCode)

	c.mu.Lock()
	if c.state != StateLoggedOut {
		c.mu.Unlock()
		return c.notAllowed("login")
	}
	delete(c.errs, SectionLogin)
	if doctorCode == "" {
		c.errs[SectionLogin] = MsgDoctorCodeRequired
		c.mu.Unlock()
		c.countValidation("doctor_code")
		return apperrors.NewValidation("doctor_code", MsgDoctorCodeRequired)
	}
	ticket := c.epoch
	c.mu.Unlock()

	err := c.api.DoctorLogin(outbound(ctx), doctorCode)

	c.mu.Lock()
	if c.epoch != ticket {
		c.mu.Unlock()
		return c.stale(ctx, "login")
	}
	if err != nil {
		appErr := remoteError(err, MsgLoginFailed)
		c.errs[SectionLogin] = appErr.Message
		c.mu.Unlock()
		c.emit(ctx, Event{Type: EventLoginFailed, DoctorCode: doctorCode, Detail: appErr.Message})
		return appErr
	}
	c.doctorCode = doctorCode
	from := c.transition(StateIntroduction)
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventLoginSucceeded, DoctorCode: doctorCode, From: from, To: StateIntroduction})
	return nil
}

// SelectModel opens the form for the chosen growth model and loads the patient list.
// A patient list failure is shown in the patients section and does not undo the transition.
func (c *Controller) SelectModel(ctx context.Context, mt model.ModelType) error {
	if !mt.Valid() {
		return apperrors.NewValidation("model_type", "Unknown growth model.")
	}

	c.mu.Lock()
	if c.doctorCode == "" {
		c.errs[SectionLogin] = MsgSessionExpired
		from := c.state
		if c.state != StateLoggedOut {
			c.transition(StateLoggedOut)
		}
		c.mu.Unlock()
		c.logger.Warn("model selected without a doctor session", "session_id", c.id, "state", string(from))
		return apperrors.NewUnauthorized(MsgSessionExpired, nil)
	}
	if c.state != StateIntroduction {
		c.mu.Unlock()
		return c.notAllowed("select_model")
	}
	c.modelType = mt
	c.selected = nil
	c.firstVisit = true
	c.draft.Clear()
	c.history = nil
	c.errs = make(map[Section]string)
	from := c.transition(StateFormEntry)
	code := c.doctorCode
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventModelSelected, DoctorCode: code, ModelType: mt, From: from, To: StateFormEntry})

	if err := c.RefreshPatients(ctx); err != nil {
		c.logger.Warn("patient list not loaded", "session_id", c.id, "error", err.Error())
	}
	return nil
}

// RefreshPatients reloads the doctor's patient list. Only the latest load is applied.
func (c *Controller) RefreshPatients(ctx context.Context) error {
	c.mu.Lock()
	if c.doctorCode == "" {
		c.mu.Unlock()
		return apperrors.NewUnauthorized(MsgSessionExpired, nil)
	}
	c.patientsGen++
	gen := c.patientsGen
	c.patientsLoading = true
	code := c.doctorCode
	c.mu.Unlock()

	patients, err := c.api.Patients(outbound(ctx), code)

	c.mu.Lock()
	if c.patientsGen != gen {
		c.mu.Unlock()
		return c.stale(ctx, "patients")
	}
	c.patientsLoading = false
	if err != nil {
		appErr := remoteError(err, MsgPatientsFailed)
		c.errs[SectionPatients] = appErr.Message
		c.mu.Unlock()
		c.emit(ctx, Event{Type: EventPatientsFailed, DoctorCode: code, Detail: appErr.Message})
		return appErr
	}
	c.patients = append([]model.PatientSummary(nil), patients...)
	delete(c.errs, SectionPatients)
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventPatientsLoaded, DoctorCode: code, Detail: strconv.Itoa(len(patients))})
	return nil
}

// SelectPatient switches between a new patient (nil) and an existing one from the
// loaded list. The draft and loaded history are cleared.
func (c *Controller) SelectPatient(ctx context.Context, patientID *int) error {
	c.mu.Lock()
	if c.state != StateFormEntry {
		c.mu.Unlock()
		return c.notAllowed("select_patient")
	}
	if patientID != nil && !c.knownPatient(*patientID) {
		c.errs[SectionForm] = MsgSelectExistingPatient
		c.mu.Unlock()
		return apperrors.NewValidation(model.FieldPatientID, MsgSelectExistingPatient)
	}

	c.epoch++
	c.historyLoading = false
	c.draft.Clear()
	c.history = nil
	delete(c.errs, SectionForm)
	delete(c.errs, SectionHistory)
	if patientID == nil {
		c.selected = nil
		c.firstVisit = true
	} else {
		id := *patientID
		c.selected = &id
		c.firstVisit = false
	}
	code, mt, sel := c.doctorCode, c.modelType, copyID(c.selected)
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventPatientSelected, DoctorCode: code, ModelType: mt, PatientID: sel})
	return nil
}

// SetFirstVisit toggles the subsequent-visit fields. Turning first visit on clears them.
func (c *Controller) SetFirstVisit(firstVisit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFormEntry {
		return c.notAllowedLocked("set_first_visit")
	}
	c.setFirstVisitLocked(firstVisit)
	return nil
}

func (c *Controller) setFirstVisitLocked(firstVisit bool) {
	c.epoch++
	c.historyLoading = false
	c.firstVisit = firstVisit
	if firstVisit {
		c.draft.Delete(model.SubsequentVisitFields...)
	}
	delete(c.errs, SectionForm)
	delete(c.errs, SectionHistory)
}

// SetField stores one form value, coerced to the field's type.
// Patient and first-visit fields are routed to their dedicated operations.
func (c *Controller) SetField(ctx context.Context, field, raw string) error {
	switch field {
	case model.FieldPatientID:
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return c.SelectPatient(ctx, nil)
		}
		id, err := strconv.Atoi(raw)
		if err != nil {
			return c.fieldError(&model.FieldError{Field: field, Value: raw, Kind: model.KindInt})
		}
		return c.SelectPatient(ctx, &id)
	case model.FieldIsFirstVisit:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return c.fieldError(&model.FieldError{Field: field, Value: raw, Kind: model.KindBool})
		}
		return c.SetFirstVisit(b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFormEntry {
		return c.notAllowedLocked("set_field")
	}
	if err := c.draft.Set(field, raw); err != nil {
		var fe *model.FieldError
		if errors.As(err, &fe) {
			c.errs[SectionForm] = fe.Error()
			return apperrors.NewValidation(fe.Field, fe.Error())
		}
		return apperrors.NewInternal(err)
	}
	delete(c.errs, SectionForm)
	return nil
}

func (c *Controller) fieldError(fe *model.FieldError) error {
	c.mu.Lock()
	c.errs[SectionForm] = fe.Error()
	c.mu.Unlock()
	c.countValidation(fe.Field)
	return apperrors.NewValidation(fe.Field, fe.Error())
}

// LoadHistory fetches the selected patient's visits and copies the latest one into
// the previous-visit fields. An empty history forces first visit back on.
func (c *Controller) LoadHistory(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateFormEntry {
		c.mu.Unlock()
		return c.notAllowed("load_history")
	}
	delete(c.errs, SectionHistory)
	if c.selected == nil {
		c.errs[SectionHistory] = MsgSelectExistingPatient
		c.mu.Unlock()
		c.countValidation(model.FieldPatientID)
		return apperrors.NewValidation(model.FieldPatientID, MsgSelectExistingPatient)
	}
	c.epoch++
	ticket := c.epoch
	c.historyLoading = true
	code, mt, patientID := c.doctorCode, c.modelType, *c.selected
	c.mu.Unlock()

	entries, err := c.api.PatientHistory(outbound(ctx), code, patientID)

	c.mu.Lock()
	if c.epoch != ticket {
		c.mu.Unlock()
		return c.stale(ctx, "history")
	}
	c.historyLoading = false
	ev := Event{DoctorCode: code, ModelType: mt, PatientID: &patientID}

	switch {
	case err != nil:
		appErr := remoteError(err, MsgHistoryFailed)
		c.errs[SectionHistory] = appErr.Message
		c.mu.Unlock()
		ev.Type, ev.Detail = EventHistoryFailed, appErr.Message
		c.emit(ctx, ev)
		return appErr

	case len(entries) == 0:
		c.history = nil
		c.setFirstVisitLocked(true)
		c.errs[SectionHistory] = MsgNoHistory
		c.mu.Unlock()
		ev.Type = EventHistoryEmpty
		c.emit(ctx, ev)
		return nil
	}

	sorted := model.SortHistoryDesc(entries)
	latest := sorted[0]
	c.history = sorted
	c.firstVisit = false
	c.draft.SetValue(model.FieldPreviousSize, latest.TumorSize)
	c.draft.SetValue(model.FieldLastVisitDate, dateOnly(latest.VisitDate))
	delete(c.errs, SectionForm)
	c.mu.Unlock()

	ev.Type, ev.Detail = EventHistoryLoaded, strconv.Itoa(len(sorted))
	c.emit(ctx, ev)
	return nil
}

// Submit validates the form and sends it to the Prediction API.
// Validation failures never reach the network and leave the state unchanged.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateFormEntry:
	case StateSubmitting:
		c.mu.Unlock()
		return apperrors.NewConflict(MsgSubmissionInFlight, ErrSubmissionInFlight)
	default:
		c.mu.Unlock()
		return c.notAllowed("submit")
	}

	if appErr, fields := c.guard.Check(c.selected, c.firstVisit, c.draft); appErr != nil {
		c.errs[SectionForm] = appErr.Message
		code, mt, sel := c.doctorCode, c.modelType, copyID(c.selected)
		c.mu.Unlock()
		for _, f := range fields {
			c.countValidation(f)
		}
		c.emit(ctx, Event{Type: EventPredictionRejected, DoctorCode: code, ModelType: mt, PatientID: sel, Detail: appErr.Field})
		return appErr
	}

	req := model.PredictionRequest{
		ModelType:   c.modelType,
		PatientData: buildPatientData(c.selected, c.firstVisit, c.draft),
		DoctorCode:  c.doctorCode,
	}
	delete(c.errs, SectionForm)
	sel := copyID(c.selected)
	from := c.transition(StateSubmitting)
	c.historyLoading = false
	ticket := c.epoch
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventPredictionSubmitted, DoctorCode: req.DoctorCode, ModelType: req.ModelType, PatientID: sel, From: from, To: StateSubmitting})

	res, err := c.api.Predict(outbound(ctx), req)

	c.mu.Lock()
	if c.epoch != ticket {
		c.mu.Unlock()
		return c.stale(ctx, "predict")
	}
	if err != nil {
		appErr := remoteError(err, MsgPredictFailed)
		c.errs[SectionForm] = appErr.Message
		c.transition(StateFormEntry)
		c.mu.Unlock()
		c.emit(ctx, Event{Type: EventPredictionFailed, DoctorCode: req.DoctorCode, ModelType: req.ModelType, PatientID: sel, From: StateSubmitting, To: StateFormEntry, Detail: appErr.Message})
		return appErr
	}

	c.result = res
	c.draft.Clear()
	c.transition(StateResults)
	c.renderChartLocked(res)
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventPredictionSucceeded, DoctorCode: req.DoctorCode, ModelType: req.ModelType, PatientID: sel, From: StateSubmitting, To: StateResults, Detail: res.EstimatedTime})

	if err := c.RefreshPatients(ctx); err != nil {
		c.logger.Warn("patient list not refreshed after prediction", "session_id", c.id, "error", err.Error())
	}
	return nil
}

// renderChartLocked draws the result curve. Results without the size parameters are
// shown without a chart.
func (c *Controller) renderChartLocked(res *model.PredictionResult) {
	c.chartAvailable = false
	current, okCurrent := res.Parameter(model.ParamCurrentSize)
	critical, okCritical := res.Parameter(model.ParamCriticalThreshold)
	if !okCurrent || !okCritical || len(res.CurvePoints) == 0 {
		c.chart.Dispose()
		c.logger.Debug("prediction has no chart data", "session_id", c.id)
		return
	}

	var est *float64
	if v, ok := res.EstimatedTimeValue(); ok {
		est = &v
	}
	if err := c.chart.Render(res.CurvePoints, current, critical, est, res.TimeUnit); err != nil {
		c.logger.Error(err, "failed to render growth chart", "session_id", c.id)
		return
	}
	c.chartAvailable = true
	if c.metrics != nil {
		c.metrics.ChartsRendered.Inc()
	}
}

// NewPrediction returns to the model choice keeping the doctor authenticated.
func (c *Controller) NewPrediction(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateResults {
		c.mu.Unlock()
		return c.notAllowed("new_prediction")
	}
	c.resetFormLocked()
	from := c.transition(StateIntroduction)
	code := c.doctorCode
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventNewPrediction, DoctorCode: code, From: from, To: StateIntroduction})
	return nil
}

func (c *Controller) resetFormLocked() {
	c.modelType = ""
	c.selected = nil
	c.firstVisit = true
	c.draft.Clear()
	c.history = nil
	c.historyLoading = false
	c.result = nil
	c.patients = nil
	c.patientsGen++
	c.patientsLoading = false
	c.errs = make(map[Section]string)
	c.chart.Dispose()
	c.chartAvailable = false
}

// Snapshot returns a copy of the current view. Mutating it does not affect the controller.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		State:                    c.state,
		HistoryLoading:           c.historyLoading,
		Authenticated:            c.doctorCode != "",
		Model:                    c.modelType,
		PatientsLoading:          c.patientsLoading,
		SelectedPatientID:        copyID(c.selected),
		NewPatientFieldsVisible:  c.selected == nil,
		FirstVisit:               c.firstVisit,
		SubsequentFieldsVisible:  !c.firstVisit,
		SubsequentFieldsRequired: !c.firstVisit,
		Draft:                    c.draft.Values(),
		ChartAvailable:           c.chartAvailable,
		SubmitDisabled:           c.state == StateSubmitting,
		Errors:                   make(map[Section]string, len(c.errs)),
	}
	if c.patients != nil {
		v.Patients = append([]model.PatientSummary(nil), c.patients...)
	}
	if c.history != nil {
		v.History = make([]model.VisitHistoryEntry, len(c.history))
		for i, e := range c.history {
			if e.EstimatedTimeDays != nil {
				d := *e.EstimatedTimeDays
				e.EstimatedTimeDays = &d
			}
			v.History[i] = e
		}
	}
	v.Result = c.result.Clone()
	for k, msg := range c.errs {
		v.Errors[k] = msg
	}
	return v
}

// ChartHTML returns the page of the live chart while results are shown.
func (c *Controller) ChartHTML() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateResults || !c.chartAvailable {
		return nil, false
	}
	return c.chart.HTML()
}

// Close releases the chart. Calls still in flight complete as stale.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.patientsGen++
	c.chart.Dispose()
	c.chartAvailable = false
}

// transition moves to a new state and returns the previous one. Caller holds the lock.
func (c *Controller) transition(to State) State {
	from := c.state
	c.state = to
	c.epoch++
	if c.metrics != nil {
		c.metrics.WorkflowTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	c.logger.Debug("workflow transition", "session_id", c.id, "from", string(from), "to", string(to))
	return from
}

func (c *Controller) knownPatient(id int) bool {
	for _, p := range c.patients {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (c *Controller) notAllowed(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notAllowedLocked(op)
}

func (c *Controller) notAllowedLocked(op string) error {
	c.logger.Debug("operation rejected", "session_id", c.id, "operation", op, "state", string(c.state))
	return apperrors.NewConflict(MsgNotAllowed, ErrInvalidTransition)
}

func (c *Controller) stale(ctx context.Context, op string) error {
	if c.metrics != nil {
		c.metrics.StaleResults.WithLabelValues(op).Inc()
	}
	c.logger.Info("discarding stale result", "session_id", c.id, "operation", op)
	c.emit(ctx, Event{Type: EventStaleResult, Detail: op})
	return apperrors.NewConflict(MsgStaleResult, ErrStaleResult)
}

func (c *Controller) countValidation(field string) {
	if c.metrics != nil {
		c.metrics.ValidationFailures.WithLabelValues(field).Inc()
	}
}

// outbound strips the caller's cancellation from a Prediction API call. A request
// that goes away mid-call does not abort it; the client timeout still bounds it.
func outbound(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (c *Controller) emit(ctx context.Context, e Event) {
	e.SessionID = c.id
	e.At = c.now()
	c.observer.OnEvent(ctx, e)
}

// remoteError turns a Prediction API failure into the message shown to the user.
func remoteError(err error, fallback string) *apperrors.AppError {
	var apiErr *predictionapi.APIError
	switch {
	case errors.As(err, &apiErr):
		msg := apiErr.Message
		if msg == "" {
			msg = fallback
		}
		return apperrors.NewRemote(msg, err)
	case errors.Is(err, predictionapi.ErrContractViolation):
		return apperrors.NewRemote(MsgUnexpectedResponse, err)
	default:
		return apperrors.NewUnavailable(MsgConnectivity, err)
	}
}

func copyID(id *int) *int {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// dateOnly trims a timestamp to the date the form's date input expects.
func dateOnly(s string) string {
	if t, ok := model.ParseVisitDate(s); ok {
		return t.Format("2006-01-02")
	}
	return s
}
