package predictionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jwalitptl/tumor-intake/internal/contract"
	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/pkg/circuitbreaker"
	"github.com/jwalitptl/tumor-intake/pkg/logger"
	"github.com/jwalitptl/tumor-intake/pkg/metrics"
)

const maxBodyBytes = 8 << 20

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Breaker turns on the circuit breaker. It is shared by every caller of the
	// client, so while it is open no session reaches the API.
	Breaker bool
	// MaxFailures consecutive connection failures open the breaker.
	MaxFailures int
	// OpenTimeout is how long the breaker stays open.
	OpenTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithContract enables strict validation of success responses.
func WithContract(v *contract.Validator) Option {
	return func(c *Client) { c.contract = v }
}

// Client talks to the Prediction API. Calls are never retried.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	contract *contract.Validator
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid prediction api base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Nop(),
	}
	if cfg.Breaker {
		c.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "prediction-api",
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.OpenTimeout,
			IsFailure:   isConnectionFailure,
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DoctorLogin authenticates a doctor code.
func (c *Client) DoctorLogin(ctx context.Context, doctorCode string) error {
	body := map[string]string{"doctor_code": doctorCode}
	return c.do(ctx, "doctor_login", http.MethodPost, contract.PathDoctorLogin, "/doctor_login", nil, nil, body, nil)
}

// Patients lists the doctor's patients.
func (c *Client) Patients(ctx context.Context, doctorCode string) ([]model.PatientSummary, error) {
	q := url.Values{"doctor_code": {doctorCode}}
	var out []model.PatientSummary
	if err := c.do(ctx, "patients", http.MethodGet, contract.PathPatients, "/patients", nil, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PatientHistory returns the recorded visits of a patient, in server order.
func (c *Client) PatientHistory(ctx context.Context, doctorCode string, patientID int) ([]model.VisitHistoryEntry, error) {
	id := strconv.Itoa(patientID)
	q := url.Values{"doctor_code": {doctorCode}}
	params := map[string]string{"patient_id": id}
	var out []model.VisitHistoryEntry
	if err := c.do(ctx, "patient_history", http.MethodGet, contract.PathPatientHistory, "/patient_history/"+url.PathEscape(id), params, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict submits a prediction request.
func (c *Client) Predict(ctx context.Context, req model.PredictionRequest) (*model.PredictionResult, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "predict", http.MethodPost, contract.PathPredict, "/predict", nil, nil, req, &raw); err != nil {
		return nil, err
	}
	var res model.PredictionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: decode prediction: %v", ErrUnavailable, err)
	}
	res.Raw = raw
	return &res, nil
}

func (c *Client) do(ctx context.Context, endpoint, method, template, path string, pathParams map[string]string, query url.Values, in, out interface{}) error {
	start := time.Now()
	call := func() error {
		return c.roundTrip(ctx, method, template, path, pathParams, query, in, out)
	}

	var err error
	if c.breaker == nil {
		err = call()
	} else {
		err = c.breaker.Execute(call)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	c.observe(endpoint, start, err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, template, path string, pathParams map[string]string, query url.Values, in, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w: %w", ErrUnavailable, errConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %w: read body: %w", ErrUnavailable, errConnection, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: extractMessage(body)}
	}

	if c.contract != nil {
		if err := c.contract.ValidateResponse(ctx, req, template, pathParams, resp.StatusCode, resp.Header, body); err != nil {
			return fmt.Errorf("%w: %v", ErrContractViolation, err)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) observe(endpoint string, start time.Time, err error) {
	outcome := "ok"
	var apiErr *APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr):
		outcome = "remote_error"
	case errors.Is(err, ErrContractViolation):
		outcome = "contract_violation"
	default:
		outcome = "unavailable"
	}

	if c.metrics != nil {
		c.metrics.APIRequests.WithLabelValues(endpoint, outcome).Inc()
		c.metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.logger.Warn("prediction api call failed", "endpoint", endpoint, "outcome", outcome, "error", err.Error())
	} else {
		c.logger.Debug("prediction api call", "endpoint", endpoint, "duration", time.Since(start).String())
	}
}
