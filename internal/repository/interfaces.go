package repository

import (
	"context"
	"time"

	"github.com/jwalitptl/tumor-intake/internal/model"
)

// AuditFilter narrows an audit listing. Zero fields are ignored.
type AuditFilter struct {
	SessionID string
	Actor     string
	Action    string
	Since     time.Time
	Limit     int
}

type (
	// AuditRepository stores the workflow audit trail.
	AuditRepository interface {
		Create(ctx context.Context, entry *model.AuditEntry) error
		List(ctx context.Context, filter AuditFilter) ([]*model.AuditEntry, error)
		Cleanup(ctx context.Context, before time.Time) (int64, error)
	}
)
