package workflow

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/tumor-intake/internal/model"
	apperrors "github.com/jwalitptl/tumor-intake/pkg/errors"
)

// submission is the part of the form the FormEntry to Submitting guard inspects.
type submission struct {
	PatientID      *int
	Identification string  `form:"identificacion" validate:"required_without=PatientID"`
	Name           string  `form:"nombre_paciente" validate:"required_without=PatientID"`
	FirstVisit     bool    `form:"is_first_visit"`
	PreviousSize   float64 `form:"previous_tumor_size_cm3" validate:"required_if=FirstVisit false"`
	LastVisitDate  string  `form:"last_visit_date" validate:"required_if=FirstVisit false"`
}

var guardMessages = map[string]string{
	model.FieldIdentification: MsgNewPatientRequired,
	model.FieldName:           MsgNewPatientRequired,
	model.FieldPreviousSize:   MsgSubsequentVisitRequired,
	model.FieldLastVisitDate:  MsgSubsequentVisitRequired,
}

type Guard struct {
	validate *validator.Validate
}

func NewGuard() *Guard {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Guard{validate: v}
}

// Check returns the first failing field as a validation error and the names of all failing fields.
func (g *Guard) Check(selected *int, firstVisit bool, draft *model.PatientDraft) (*apperrors.AppError, []string) {
	s := submission{
		PatientID:      selected,
		Identification: strings.TrimSpace(draft.String(model.FieldIdentification)),
		Name:           strings.TrimSpace(draft.String(model.FieldName)),
		FirstVisit:     firstVisit,
		PreviousSize:   draft.Float(model.FieldPreviousSize),
		LastVisitDate:  strings.TrimSpace(draft.String(model.FieldLastVisitDate)),
	}

	err := g.validate.Struct(s)
	if err == nil {
		return nil, nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.NewValidation("", MsgNotAllowed), nil
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	first := verrs[0].Field()
	msg, ok := guardMessages[first]
	if !ok {
		msg = MsgNotAllowed
	}
	return apperrors.NewValidation(first, msg), fields
}

// buildPatientData assembles patient_data for a submission that passed the guard.
// An existing patient is identified by id alone; a new one by its demographic fields.
func buildPatientData(selected *int, firstVisit bool, draft *model.PatientDraft) model.JSONMap {
	data := draft.Values()
	if selected != nil {
		for _, f := range model.NewPatientFields {
			delete(data, f)
		}
		data[model.FieldPatientID] = *selected
	} else {
		delete(data, model.FieldPatientID)
	}
	if firstVisit {
		for _, f := range model.SubsequentVisitFields {
			delete(data, f)
		}
	}
	data[model.FieldIsFirstVisit] = firstVisit
	return data
}
