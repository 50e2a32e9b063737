package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one persisted workflow event.
type AuditEntry struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	SessionID string        `json:"session_id" db:"session_id"`
	Actor     string        `json:"actor" db:"actor"`
	Action    string        `json:"action" db:"action"`
	Outcome   string        `json:"outcome" db:"outcome"`
	ModelType string        `json:"model_type" db:"model_type"`
	PatientID sql.NullInt64 `json:"patient_id" db:"patient_id"`
	Detail    string        `json:"detail" db:"detail"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}
