package predictionapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable wraps transport failures, undecodable success bodies and an open breaker.
	ErrUnavailable = errors.New("prediction api unavailable")
	// ErrContractViolation is returned in strict mode when a response does not match the contract.
	ErrContractViolation = errors.New("prediction api response violates contract")

	errConnection = errors.New("connection failed")
)

// APIError is a non-2xx answer from the Prediction API.
type APIError struct {
	StatusCode int
	// Message is the server supplied detail, empty when the body carried none.
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("prediction api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("prediction api returned status %d: %s", e.StatusCode, e.Message)
}

// IsTransport reports whether err means the API could not be reached.
func IsTransport(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// isConnectionFailure reports whether err counts against the circuit breaker: the
// request or its response was lost on the wire. Caller cancellation and undecodable
// success bodies do not count.
func isConnectionFailure(err error) bool {
	return errors.Is(err, errConnection) && !errors.Is(err, context.Canceled)
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Error  string          `json:"error"`
}

type detailItem struct {
	Msg string `json:"msg"`
}

// extractMessage pulls the server message out of an error body.
// detail may be a string or a list of validation problems.
func extractMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}

	if len(eb.Detail) > 0 {
		var s string
		if err := json.Unmarshal(eb.Detail, &s); err == nil && s != "" {
			return s
		}
		var items []detailItem
		if err := json.Unmarshal(eb.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	return eb.Error
}
