package model

import "fmt"

// PatientSummary is one entry of the doctor's patient list.
type PatientSummary struct {
	ID             int     `json:"id"`
	Name           string  `json:"nombre_paciente"`
	Identification string  `json:"identificacion"`
	LastVisitDate  *string `json:"last_visit_date,omitempty"`
}

// Label renders the patient the way the selection list shows it.
func (p PatientSummary) Label() string {
	if p.LastVisitDate != nil && *p.LastVisitDate != "" {
		return fmt.Sprintf("%s (ID: %s - Last visit: %s)", p.Name, p.Identification, *p.LastVisitDate)
	}
	return fmt.Sprintf("%s (ID: %s)", p.Name, p.Identification)
}
