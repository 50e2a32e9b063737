// Package web holds the embedded page templates of the intake web adapter.
package web

import (
	"embed"
	"errors"
	"html/template"

	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/internal/presenter"
)

//go:embed templates/*.html
var files embed.FS

// PageTemplate is the name the intake page is rendered under.
const PageTemplate = "intake.html"

type Choice struct {
	Value string
	Label string
}

// fieldChoices are the values the Prediction API recognizes for enumerated fields.
var fieldChoices = map[string][]Choice{
	model.FieldSex: {
		{Value: "femenino", Label: "Female"},
		{Value: "masculino", Label: "Male"},
	},
	model.FieldStage: {
		{Value: "I", Label: "I"},
		{Value: "II", Label: "II"},
		{Value: "III", Label: "III"},
		{Value: "IV", Label: "IV"},
	},
	model.FieldGrade: {
		{Value: "Grado 1", Label: "Grade 1"},
		{Value: "Grado 2", Label: "Grade 2"},
		{Value: "Grado 3", Label: "Grade 3"},
	},
	model.FieldERPR: {
		{Value: "positivo", Label: "Positive"},
		{Value: "negativo", Label: "Negative"},
	},
	model.FieldHER2: {
		{Value: "positivo", Label: "Positive"},
		{Value: "negativo", Label: "Negative"},
	},
	model.FieldCancerType: {
		{Value: "ER-positivo", Label: "ER-positive"},
		{Value: "HER2-positivo", Label: "HER2-positive"},
		{Value: "Triple Negativo", Label: "Triple negative"},
	},
	model.FieldMetastasis: {
		{Value: "no", Label: "No"},
		{Value: "si", Label: "Yes"},
	},
}

// Choices returns the options offered for an enumerated field.
func Choices(field string) []Choice {
	return fieldChoices[field]
}

// Data is what the intake page template receives.
type Data struct {
	presenter.Page
	Models []model.ModelType
}

func NewData(p presenter.Page) Data {
	return Data{Page: p, Models: model.ModelTypes}
}

// Funcs are the helpers available to the templates.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"choices": Choices,
		"value": func(fields map[string]string, name string) string {
			return fields[name]
		},
		"dict": dict,
	}
}

// dict builds the argument map for a partial from key/value pairs.
func dict(pairs ...interface{}) (map[string]interface{}, error) {
	if len(pairs)%2 != 0 {
		return nil, errors.New("dict: odd number of arguments")
	}
	m := make(map[string]interface{}, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, errors.New("dict: keys must be strings")
		}
		m[key] = pairs[i+1]
	}
	return m, nil
}

// Templates parses the embedded templates.
func Templates() (*template.Template, error) {
	return template.New("").Funcs(Funcs()).ParseFS(files, "templates/*.html")
}
