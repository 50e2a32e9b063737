package model

import (
	"sort"
	"time"
)

// VisitHistoryEntry is one recorded visit as returned by the Prediction API.
type VisitHistoryEntry struct {
	VisitDate         string    `json:"fecha_visita"`
	TumorSize         float64   `json:"initial_tumor_size_cm3"`
	ComputedRate      float64   `json:"r_calculado"`
	ModelType         ModelType `json:"model_type"`
	EstimatedTimeDays *float64  `json:"tiempo_estimado_dias"`
}

var visitDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseVisitDate parses the date formats the API is known to emit.
func ParseVisitDate(s string) (time.Time, bool) {
	for _, layout := range visitDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SortHistoryDesc returns a copy of entries ordered newest first.
// Entries whose date cannot be parsed keep their relative order after the dated ones.
func SortHistoryDesc(entries []VisitHistoryEntry) []VisitHistoryEntry {
	out := make([]VisitHistoryEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		ti, okI := ParseVisitDate(out[i].VisitDate)
		tj, okJ := ParseVisitDate(out[j].VisitDate)
		switch {
		case okI && okJ:
			return ti.After(tj)
		case okI:
			return true
		default:
			return false
		}
	})
	return out
}
