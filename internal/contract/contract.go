// Package contract holds the canonical Prediction API contract and validates
// responses against it.
package contract

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
)

// Path templates of the contract, relative to the API base URL.
const (
	PathDoctorLogin    = "/doctor_login"
	PathPatients       = "/patients"
	PathPatientHistory = "/patient_history/{patient_id}"
	PathPredict        = "/predict"
)

//go:embed openapi.yaml
var document []byte

// Document returns the embedded OpenAPI document.
func Document() []byte {
	return document
}

type Validator struct {
	doc *openapi3.T
}

// Load parses and validates the embedded document.
func Load(ctx context.Context) (*Validator, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid contract: %w", err)
	}
	return &Validator{doc: doc}, nil
}

// ValidateResponse checks a response body received for req against the operation
// registered under pathTemplate.
func (v *Validator) ValidateResponse(ctx context.Context, req *http.Request, pathTemplate string, pathParams map[string]string, status int, header http.Header, body []byte) error {
	route, err := v.route(pathTemplate, req.Method)
	if err != nil {
		return err
	}

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
		},
		Status: status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			IncludeResponseStatus: false,
		},
	}
	if err := openapi3filter.ValidateResponse(ctx, input); err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, pathTemplate, err)
	}
	return nil
}

func (v *Validator) route(pathTemplate, method string) (*routers.Route, error) {
	item := v.doc.Paths.Find(pathTemplate)
	if item == nil {
		return nil, fmt.Errorf("path %s is not part of the contract", pathTemplate)
	}
	op := item.GetOperation(method)
	if op == nil {
		return nil, fmt.Errorf("%s %s is not part of the contract", method, pathTemplate)
	}
	return &routers.Route{
		Spec:      v.doc,
		Path:      pathTemplate,
		PathItem:  item,
		Method:    method,
		Operation: op,
	}, nil
}
