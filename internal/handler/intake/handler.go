// Package intake is the web input adapter of the intake workflow.
package intake

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/tumor-intake/internal/middleware"
	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/internal/presenter"
	"github.com/jwalitptl/tumor-intake/internal/session"
	"github.com/jwalitptl/tumor-intake/internal/web"
	"github.com/jwalitptl/tumor-intake/internal/workflow"
	apperrors "github.com/jwalitptl/tumor-intake/pkg/errors"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

const contextSession = "intake_session"

type CookieConfig struct {
	Name   string
	Secure bool
}

type Handler struct {
	store  *session.Store
	tokens *session.TokenIssuer
	cookie CookieConfig
	logger *logger.Logger
}

func NewHandler(store *session.Store, tokens *session.TokenIssuer, cookie CookieConfig, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		store:  store,
		tokens: tokens,
		cookie: cookie,
		logger: log,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("", h.withSession())
	{
		g.GET("/", h.Page)
		g.GET("/state", h.State)
		g.GET("/chart", h.Chart)

		g.POST("/login", h.Login)
		g.POST("/logout", h.Logout)
		g.POST("/model", h.SelectModel)
		g.POST("/patient", h.SelectPatient)
		g.POST("/first-visit", h.SetFirstVisit)
		g.POST("/fields", h.SetFields)
		g.POST("/history", h.LoadHistory)
		g.POST("/predict", h.Predict)
		g.POST("/new", h.NewPrediction)
	}
}

type loginRequest struct {
	DoctorCode string `form:"doctor_code" json:"doctor_code"`
}

type modelRequest struct {
	ModelType string `form:"model_type" json:"model_type" binding:"required,oneof=exponencial gompertz"`
}

type patientRequest struct {
	ID *int `json:"id"`
}

type firstVisitRequest struct {
	FirstVisit *bool `json:"is_first_visit" binding:"required"`
}

type fieldsRequest struct {
	Fields map[string]interface{} `json:"fields"`
}

type stateResponse struct {
	State presenter.Page            `json:"state"`
	Error *middleware.ErrorResponse `json:"error,omitempty"`
}

// withSession resolves the session cookie, starting a new session when it is
// missing, invalid or expired. The cookie is re-signed on every request.
func (h *Handler) withSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := h.lookup(c)
		if sess == nil {
			sess = h.store.Create()
		}

		token, err := h.tokens.Issue(sess.ID)
		if err != nil {
			_ = c.Error(apperrors.NewInternal(err))
			c.Abort()
			return
		}
		c.SetSameSite(http.SameSiteStrictMode)
		c.SetCookie(h.cookie.Name, token, 0, "/", "", h.cookie.Secure, true)

		c.Set(contextSession, sess)
		middleware.SetSessionID(c, sess.ID)
		c.Next()
	}
}

func (h *Handler) lookup(c *gin.Context) *session.Session {
	raw, err := c.Cookie(h.cookie.Name)
	if err != nil || raw == "" {
		return nil
	}
	id, err := h.tokens.Parse(raw)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Debug("session cookie rejected", "error", err.Error())
		return nil
	}
	sess, ok := h.store.Get(id)
	if !ok {
		return nil
	}
	return sess
}

func sessionFrom(c *gin.Context) *session.Session {
	return c.MustGet(contextSession).(*session.Session)
}

func (h *Handler) Page(c *gin.Context) {
	h.respond(c, nil)
}

func (h *Handler) State(c *gin.Context) {
	page := presenter.NewPage(sessionFrom(c).Controller.Snapshot())
	c.JSON(http.StatusOK, stateResponse{State: page})
}

// Chart serves the page of the live result chart.
func (h *Handler) Chart(c *gin.Context) {
	html, ok := sessionFrom(c).Controller.ChartHTML()
	if !ok {
		c.JSON(middleware.NewErrorResponse(c, apperrors.NewNotFound("chart", nil)))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		h.respond(c, apperrors.NewValidation("doctor_code", workflow.MsgDoctorCodeRequired))
		return
	}
	h.respond(c, sessionFrom(c).Controller.Login(c.Request.Context(), req.DoctorCode))
}

// Logout discards the session and its workflow.
func (h *Handler) Logout(c *gin.Context) {
	h.store.Delete(sessionFrom(c).ID)
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cookie.Name, "", -1, "/", "", h.cookie.Secure, true)

	if wantsJSON(c) {
		c.JSON(http.StatusOK, stateResponse{State: presenter.Page{State: string(workflow.StateLoggedOut)}})
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) SelectModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBind(&req); err != nil {
		h.respond(c, apperrors.NewValidation("model_type", "Please choose a growth model."))
		return
	}
	mt, err := model.ParseModelType(req.ModelType)
	if err != nil {
		h.respond(c, apperrors.NewValidation("model_type", "Please choose a growth model."))
		return
	}
	h.respond(c, sessionFrom(c).Controller.SelectModel(c.Request.Context(), mt))
}

// SelectPatient takes an id, or none for a new patient.
func (h *Handler) SelectPatient(c *gin.Context) {
	ctrl := sessionFrom(c).Controller
	ctx := c.Request.Context()

	if c.ContentType() == gin.MIMEJSON {
		var req patientRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respond(c, apperrors.NewValidation(model.FieldPatientID, workflow.MsgSelectExistingPatient))
			return
		}
		h.respond(c, ctrl.SelectPatient(ctx, req.ID))
		return
	}
	h.respond(c, ctrl.SetField(ctx, model.FieldPatientID, c.PostForm(model.FieldPatientID)))
}

func (h *Handler) SetFirstVisit(c *gin.Context) {
	ctrl := sessionFrom(c).Controller

	if c.ContentType() == gin.MIMEJSON {
		var req firstVisitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respond(c, apperrors.NewValidation(model.FieldIsFirstVisit, "Please choose whether this is the first visit."))
			return
		}
		h.respond(c, ctrl.SetFirstVisit(*req.FirstVisit))
		return
	}
	h.respond(c, h.withDraft(c, func() error {
		return ctrl.SetField(c.Request.Context(), model.FieldIsFirstVisit, c.PostForm(model.FieldIsFirstVisit))
	}))
}

// SetFields stores form values without submitting them.
func (h *Handler) SetFields(c *gin.Context) {
	fields, err := h.formFields(c)
	if err == nil {
		err = applyFields(c.Request.Context(), sessionFrom(c).Controller, fields)
	}
	h.respond(c, err)
}

func (h *Handler) LoadHistory(c *gin.Context) {
	ctrl := sessionFrom(c).Controller
	h.respond(c, h.withDraft(c, func() error {
		return ctrl.LoadHistory(c.Request.Context())
	}))
}

// withDraft stores the measurement fields a form post carries before running op,
// so values typed into the page survive buttons other than "Calculate". A bad
// value stops op and is shown in the form section.
func (h *Handler) withDraft(c *gin.Context, op func() error) error {
	if c.ContentType() != gin.MIMEJSON {
		fields, err := h.formFields(c)
		if err == nil {
			err = applyFields(c.Request.Context(), sessionFrom(c).Controller, fields)
		}
		if err != nil {
			return err
		}
	}
	return op()
}

// Predict stores the posted form values and submits the draft.
func (h *Handler) Predict(c *gin.Context) {
	ctrl := sessionFrom(c).Controller
	ctx := c.Request.Context()

	if ctrl.Snapshot().SubmitDisabled {
		h.respond(c, apperrors.NewConflict(workflow.MsgSubmissionInFlight, workflow.ErrSubmissionInFlight))
		return
	}

	fields, err := h.formFields(c)
	if err == nil {
		err = applyFields(ctx, ctrl, fields)
	}
	if err == nil {
		err = ctrl.Submit(ctx)
	}
	h.respond(c, err)
}

func (h *Handler) NewPrediction(c *gin.Context) {
	h.respond(c, sessionFrom(c).Controller.NewPrediction(c.Request.Context()))
}

// formFields reads editable form values from a form post or a JSON {"fields": {...}} body.
// Patient selection and first visit have their own endpoints and are ignored here.
func (h *Handler) formFields(c *gin.Context) (map[string]string, error) {
	var raw map[string]string
	if c.ContentType() == gin.MIMEJSON {
		var req fieldsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, unreadableForm(err)
		}
		raw = presenter.FieldValues(model.JSONMap(req.Fields))
	} else {
		if err := c.Request.ParseForm(); err != nil {
			return nil, unreadableForm(err)
		}
		raw = make(map[string]string, len(c.Request.PostForm))
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				raw[k] = v[0]
			}
		}
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if !model.IsFormField(k) || k == model.FieldPatientID || k == model.FieldIsFirstVisit {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func unreadableForm(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.NewTooLarge(tooLarge.Limit, err)
	}
	return apperrors.NewBadRequest("The form could not be read.", err)
}

func applyFields(ctx context.Context, ctrl *workflow.Controller, fields map[string]string) error {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	// Keep storing after a bad value so the rest of the form survives; the
	// last failure is the one the form section shows.
	var last error
	for _, name := range names {
		if err := ctrl.SetField(ctx, name, fields[name]); err != nil {
			if !apperrors.HasCode(err, apperrors.ErrValidation) {
				return err
			}
			last = err
		}
	}
	return last
}

// respond renders the current snapshot with the status of err. Successful form
// posts redirect back to the page so a reload does not repeat them.
func (h *Handler) respond(c *gin.Context, err error) {
	sess := sessionFrom(c)
	status := http.StatusOK
	var errResp *middleware.ErrorResponse
	if err != nil {
		code, resp := middleware.NewErrorResponse(c, err)
		status, errResp = code, &resp
		h.logError(c, err)
	}

	if wantsJSON(c) {
		c.JSON(status, stateResponse{
			State: presenter.NewPage(sess.Controller.Snapshot()),
			Error: errResp,
		})
		return
	}
	if err == nil && c.Request.Method == http.MethodPost {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	c.HTML(status, web.PageTemplate, web.NewData(presenter.NewPage(sess.Controller.Snapshot())))
}

// logError relies on the request context for the request and session IDs.
func (h *Handler) logError(c *gin.Context, err error) {
	log := h.logger.WithContext(c.Request.Context())
	appErr, ok := apperrors.As(err)
	switch {
	case !ok || appErr.Code == apperrors.ErrInternal:
		log.Error(err, "intake request failed", "path", c.FullPath())
	case errors.Is(err, workflow.ErrStaleResult):
		log.Info("stale result discarded", "path", c.FullPath())
	default:
		log.Debug("intake request rejected", "path", c.FullPath(), "code", int(appErr.Code))
	}
}

func wantsJSON(c *gin.Context) bool {
	return c.NegotiateFormat(gin.MIMEHTML, gin.MIMEJSON) == gin.MIMEJSON
}
