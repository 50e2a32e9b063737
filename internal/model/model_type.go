package model

import (
	"fmt"
	"strings"
)

// ModelType names the growth model the Prediction API should apply.
type ModelType string

const (
	ModelExponential ModelType = "exponencial"
	ModelGompertz    ModelType = "gompertz"
)

// ModelTypes lists the models in the order they are offered.
var ModelTypes = []ModelType{ModelExponential, ModelGompertz}

// ParseModelType accepts the wire names case-insensitively.
func ParseModelType(s string) (ModelType, error) {
	switch ModelType(strings.ToLower(strings.TrimSpace(s))) {
	case ModelExponential:
		return ModelExponential, nil
	case ModelGompertz:
		return ModelGompertz, nil
	}
	return "", fmt.Errorf("unknown model type %q", s)
}

// DisplayName is the label shown on the form header.
func (m ModelType) DisplayName() string {
	switch m {
	case ModelExponential:
		return "Exponential"
	case ModelGompertz:
		return "Gompertz"
	}
	return string(m)
}

func (m ModelType) Valid() bool {
	return m == ModelExponential || m == ModelGompertz
}
