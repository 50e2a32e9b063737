package intake

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/tumor-intake/internal/chart"
	"github.com/jwalitptl/tumor-intake/internal/middleware"
	"github.com/jwalitptl/tumor-intake/internal/predictionapi"
	"github.com/jwalitptl/tumor-intake/internal/session"
	"github.com/jwalitptl/tumor-intake/internal/web"
	"github.com/jwalitptl/tumor-intake/internal/workflow"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
)

const cookieName = "intake_session"

const predictBody = `{
	"tiempo_estimado": "123.45",
	"unidad_tiempo": "días",
	"intervalo_confianza": "110.2 - 140.9",
	"estado_cancer_actual_t": "T2",
	"interpretacion_resultado": "<p>Moderate growth</p>",
	"posibles_tratamientos": "<ul><li>Surgery</li></ul>",
	"descargo_responsabilidad": "Not a diagnosis.",
	"ecuacion_latex": "V(t) = V_0 e^{rt}",
	"parametros_usados": {"T0_calculo": 2.5, "T_umbral_critico": 10},
	"datos_paciente_enviados": {"nombre_paciente": "Eva"},
	"puntos_curva": [{"x": 0, "y": 2.5}, {"x": 123.45, "y": 10}]
}`

type backend struct {
	mu          sync.Mutex
	predicts    int
	lastPredict map[string]interface{}

	// Set before the first request to hold /predict open.
	predictStarted chan struct{}
	predictGate    chan struct{}
}

func (b *backend) predictCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.predicts
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/doctor_login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body["doctor_code"] != "DOC1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Doctor not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	})
	mux.HandleFunc("/api/patients", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":7,"nombre_paciente":"Ana","identificacion":"A-1","last_visit_date":"2024-03-01"}]`))
	})
	mux.HandleFunc("/api/patient_history/7", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"fecha_visita":"2024-01-01","initial_tumor_size_cm3":1.5,"r_calculado":0.01,"model_type":"gompertz","tiempo_estimado_dias":null},
			{"fecha_visita":"2024-03-01","initial_tumor_size_cm3":2.25,"r_calculado":0.012,"model_type":"gompertz","tiempo_estimado_dias":300}
		]`))
	})
	mux.HandleFunc("/api/predict", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.predicts++
		b.lastPredict = body
		b.mu.Unlock()
		if b.predictStarted != nil {
			b.predictStarted <- struct{}{}
		}
		if b.predictGate != nil {
			<-b.predictGate
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(predictBody))
	})
	return mux
}

type testClient struct {
	t      *testing.T
	engine *gin.Engine
	cookie *http.Cookie
}

func newTestClient(t *testing.T) (*testClient, *backend) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	be := &backend{}
	srv := httptest.NewServer(be.handler())
	t.Cleanup(srv.Close)

	api, err := predictionapi.NewClient(predictionapi.Config{BaseURL: srv.URL + "/api", Timeout: 5 * time.Second})
	require.NoError(t, err)

	store := session.NewStore(time.Hour, time.Hour, func(id string) *workflow.Controller {
		return workflow.NewController(api, chart.NewCanvas(), workflow.WithID(id))
	})
	t.Cleanup(store.Flush)

	tmpl, err := web.Templates()
	require.NoError(t, err)

	engine := gin.New()
	engine.SetHTMLTemplate(tmpl)
	engine.Use(middleware.RequestID(), middleware.ErrorHandler(logger.Nop()))

	h := NewHandler(store, session.NewTokenIssuer([]byte("test-secret"), time.Hour), CookieConfig{Name: cookieName}, logger.Nop())
	h.RegisterRoutes(&engine.RouterGroup)

	return &testClient{t: t, engine: engine}, be
}

func (tc *testClient) send(req *http.Request) *httptest.ResponseRecorder {
	tc.t.Helper()
	if tc.cookie != nil {
		req.AddCookie(tc.cookie)
	}
	w := httptest.NewRecorder()
	tc.engine.ServeHTTP(w, req)
	for _, ck := range w.Result().Cookies() {
		if ck.Name == cookieName && ck.MaxAge >= 0 {
			tc.cookie = ck
		}
	}
	return w
}

func (tc *testClient) json(method, path, body string) (int, stateResponse) {
	tc.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Accept", "application/json")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := tc.send(req)

	var out stateResponse
	require.NoError(tc.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (tc *testClient) form(path string, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	return tc.send(req)
}

func TestPageStartsSession(t *testing.T) {
	tc, _ := newTestClient(t)

	w := tc.send(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `action="/login"`)
	require.NotNil(t, tc.cookie)
	assert.True(t, tc.cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, tc.cookie.SameSite)
}

func TestJSONWorkflowEndToEnd(t *testing.T) {
	tc, be := newTestClient(t)

	code, resp := tc.json(http.MethodPost, "/login", `{"doctor_code":"DOC1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(workflow.StateIntroduction), resp.State.State)
	assert.True(t, resp.State.Authenticated)

	code, resp = tc.json(http.MethodPost, "/model", `{"model_type":"gompertz"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(workflow.StateFormEntry), resp.State.State)
	assert.Equal(t, "Gompertz", resp.State.ModelName)
	require.Len(t, resp.State.Patients, 1)
	assert.Equal(t, "Ana (ID: A-1 - Last visit: 2024-03-01)", resp.State.Patients[0].Label)

	code, resp = tc.json(http.MethodPost, "/predict", `{"fields":{"nombre_paciente":"Eva","initial_tumor_size_cm3":2.5}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, workflow.MsgNewPatientRequired, resp.Error.Message)
	assert.Equal(t, workflow.MsgNewPatientRequired, resp.State.Errors["form"])
	assert.Equal(t, 0, be.predictCount())

	code, resp = tc.json(http.MethodPost, "/predict", `{"fields":{"identificacion":"E-9","nombre_paciente":"Eva","edad":54,"initial_tumor_size_cm3":2.5}}`)
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.Equal(t, string(workflow.StateResults), resp.State.State)
	require.NotNil(t, resp.State.Result)
	assert.Equal(t, "123.45", resp.State.Result.EstimatedTime)
	assert.Equal(t, "110.2 - 140.9", resp.State.Result.ConfidenceInterval)
	assert.Equal(t, "V(t) = V_0 e^{rt}", resp.State.Result.Equation)
	assert.True(t, resp.State.ChartAvailable)

	be.mu.Lock()
	sent := be.lastPredict
	be.mu.Unlock()
	assert.Equal(t, "gompertz", sent["model_type"])
	assert.Equal(t, "DOC1", sent["doctor_code"])
	patientData := sent["patient_data"].(map[string]interface{})
	assert.NotContains(t, patientData, "id")
	assert.Equal(t, true, patientData["is_first_visit"])
	assert.Equal(t, float64(54), patientData["edad"])

	w := tc.send(httptest.NewRequest(http.MethodGet, "/chart", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "echarts")
	assert.Contains(t, w.Body.String(), "Critical threshold")

	code, resp = tc.json(http.MethodPost, "/new", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(workflow.StateIntroduction), resp.State.State)
	assert.True(t, resp.State.Authenticated)
	assert.Nil(t, resp.State.Result)

	w = tc.send(httptest.NewRequest(http.MethodGet, "/chart", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryFillsPreviousVisit(t *testing.T) {
	tc, _ := newTestClient(t)
	tc.json(http.MethodPost, "/login", `{"doctor_code":"DOC1"}`)
	tc.json(http.MethodPost, "/model", `{"model_type":"exponencial"}`)

	code, resp := tc.json(http.MethodPost, "/patient", `{"id":7}`)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, resp.State.NewPatientFieldsVisible)

	code, resp = tc.json(http.MethodPost, "/history", "")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, resp.State.FirstVisit)
	assert.True(t, resp.State.SubsequentFieldsRequired)
	assert.Equal(t, "2.25", resp.State.Fields["previous_tumor_size_cm3"])
	assert.Equal(t, "2024-03-01", resp.State.Fields["last_visit_date"])
	require.Len(t, resp.State.History, 2)
	assert.Equal(t, "2024-03-01", resp.State.History[0].VisitDate)
	assert.Equal(t, "300.00", resp.State.History[0].EstimatedTimeDays)
	assert.Equal(t, "N/A", resp.State.History[1].EstimatedTimeDays)
}

func TestLoginRejectedShowsServerDetail(t *testing.T) {
	tc, _ := newTestClient(t)

	code, resp := tc.json(http.MethodPost, "/login", `{"doctor_code":"NOPE"}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "Doctor not found", resp.Error.Message)
	assert.Equal(t, "Doctor not found", resp.State.Errors["login"])
	assert.Equal(t, string(workflow.StateLoggedOut), resp.State.State)
}

func TestFormPostsRedirectOnSuccess(t *testing.T) {
	tc, _ := newTestClient(t)

	w := tc.form("/login", url.Values{"doctor_code": {"DOC1"}})
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	w = tc.form("/model", url.Values{"model_type": {"exponencial"}})
	assert.Equal(t, http.StatusSeeOther, w.Code)

	w = tc.send(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, w.Body.String(), "Exponential model")
	assert.Contains(t, w.Body.String(), `name="identificacion"`)
}

func TestFormPostErrorRendersPage(t *testing.T) {
	tc, _ := newTestClient(t)

	w := tc.form("/login", url.Values{"doctor_code": {"  "}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), workflow.MsgDoctorCodeRequired)
}

func TestUnknownModelIsRejected(t *testing.T) {
	tc, _ := newTestClient(t)
	tc.json(http.MethodPost, "/login", `{"doctor_code":"DOC1"}`)

	code, resp := tc.json(http.MethodPost, "/model", `{"model_type":"logistic"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "model_type", resp.Error.Field)
	assert.Equal(t, string(workflow.StateIntroduction), resp.State.State)
}

func TestOperationOutOfOrderIsConflict(t *testing.T) {
	tc, _ := newTestClient(t)

	code, resp := tc.json(http.MethodPost, "/history", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, workflow.MsgNotAllowed, resp.Error.Message)
}

func TestInvalidCookieStartsFreshSession(t *testing.T) {
	tc, _ := newTestClient(t)
	tc.json(http.MethodPost, "/login", `{"doctor_code":"DOC1"}`)

	tc.cookie = &http.Cookie{Name: cookieName, Value: "not-a-token"}
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	w := tc.send(req)

	var out stateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, string(workflow.StateLoggedOut), out.State.State)
}

func TestLogoutDropsSession(t *testing.T) {
	tc, _ := newTestClient(t)
	tc.json(http.MethodPost, "/login", `{"doctor_code":"DOC1"}`)
	old := tc.cookie

	code, resp := tc.json(http.MethodPost, "/logout", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(workflow.StateLoggedOut), resp.State.State)

	tc.cookie = old
	_, resp = tc.json(http.MethodGet, "/state", "")
	assert.Equal(t, string(workflow.StateLoggedOut), resp.State.State)
	assert.False(t, resp.State.Authenticated)
}

func TestFormButtonsKeepTypedMeasurements(t *testing.T) {
	tc, _ := newTestClient(t)
	tc.form("/login", url.Values{"doctor_code": {"DOC1"}})
	tc.form("/model", url.Values{"model_type": {"exponencial"}})
	w := tc.form("/patient", url.Values{"id": {"7"}})
	require.Equal(t, http.StatusSeeOther, w.Code)

	w = tc.form("/first-visit", url.Values{
		"is_first_visit":         {"false"},
		"initial_tumor_size_cm3": {"3.5"},
		"estadio":                {"II"},
	})
	require.Equal(t, http.StatusSeeOther, w.Code)

	_, resp := tc.json(http.MethodGet, "/state", "")
	assert.False(t, resp.State.FirstVisit)
	assert.Equal(t, "3.5", resp.State.Fields["initial_tumor_size_cm3"])
	assert.Equal(t, "II", resp.State.Fields["estadio"])

	w = tc.form("/history", url.Values{
		"is_first_visit":          {"false"},
		"initial_tumor_size_cm3":  {"4"},
		"previous_tumor_size_cm3": {""},
		"dias_tratamiento":        {"30"},
	})
	require.Equal(t, http.StatusSeeOther, w.Code)

	_, resp = tc.json(http.MethodGet, "/state", "")
	assert.Equal(t, "4", resp.State.Fields["initial_tumor_size_cm3"])
	assert.Equal(t, "30", resp.State.Fields["dias_tratamiento"])
	assert.Equal(t, "II", resp.State.Fields["estadio"])
	assert.Equal(t, "2.25", resp.State.Fields["previous_tumor_size_cm3"])
	assert.Equal(t, "2024-03-01", resp.State.Fields["last_visit_date"])
}

func TestFormButtonWithBadValueShowsFieldError(t *testing.T) {
	tc, _ := newTestClient(t)
	tc.form("/login", url.Values{"doctor_code": {"DOC1"}})
	tc.form("/model", url.Values{"model_type": {"exponencial"}})
	tc.form("/patient", url.Values{"id": {"7"}})

	w := tc.form("/history", url.Values{"initial_tumor_size_cm3": {"big"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "initial_tumor_size_cm3 must be a number")

	_, resp := tc.json(http.MethodGet, "/state", "")
	assert.Empty(t, resp.State.History)
}

func TestSecondPredictWhileInFlightIsConflict(t *testing.T) {
	tc, be := newTestClient(t)
	be.predictStarted = make(chan struct{}, 1)
	be.predictGate = make(chan struct{})
	release := sync.OnceFunc(func() { close(be.predictGate) })
	defer release()

	tc.json(http.MethodPost, "/login", `{"doctor_code":"DOC1"}`)
	tc.json(http.MethodPost, "/model", `{"model_type":"gompertz"}`)

	body := `{"fields":{"identificacion":"E-9","nombre_paciente":"Eva","initial_tumor_size_cm3":2.5}}`
	first := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body))
	first.Header.Set("Content-Type", "application/json")
	first.Header.Set("Accept", "application/json")
	first.AddCookie(tc.cookie)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w := httptest.NewRecorder()
		tc.engine.ServeHTTP(w, first)
		done <- w
	}()
	<-be.predictStarted

	code, resp := tc.json(http.MethodPost, "/predict", body)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, workflow.MsgSubmissionInFlight, resp.Error.Message)
	assert.True(t, resp.State.SubmitDisabled)

	release()
	w := <-done
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, be.predictCount())
}
