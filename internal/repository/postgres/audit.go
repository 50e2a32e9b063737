package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/tumor-intake/internal/model"
	"github.com/jwalitptl/tumor-intake/internal/repository"
)

//go:embed schema.sql
var schema string

const defaultListLimit = 100

type AuditRepository struct {
	BaseRepository
}

func NewAuditRepository(base BaseRepository) *AuditRepository {
	return &AuditRepository{base}
}

var _ repository.AuditRepository = (*AuditRepository)(nil)

// EnsureSchema creates the audit table and its indexes when they do not exist yet.
// The statements run in one transaction so a half-created schema is never left behind.
func (r *AuditRepository) EnsureSchema(ctx context.Context) error {
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range schemaStatements(schema) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

func schemaStatements(src string) []string {
	var out []string
	for _, stmt := range strings.Split(src, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (r *AuditRepository) Create(ctx context.Context, entry *model.AuditEntry) error {
	query := `
        INSERT INTO intake_audit_events (
            id, session_id, actor, action, outcome, model_type, patient_id, detail, created_at
        ) VALUES (
            :id, :session_id, :actor, :action, :outcome, :model_type, :patient_id, :detail, :created_at
        )
    `
	if _, err := r.GetDB().NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepository) List(ctx context.Context, filter repository.AuditFilter) ([]*model.AuditEntry, error) {
	var (
		conditions []string
		args       []interface{}
	)
	add := func(column string, v interface{}, op string) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf("%s %s $%d", column, op, len(args)))
	}

	if filter.SessionID != "" {
		add("session_id", filter.SessionID, "=")
	}
	if filter.Actor != "" {
		add("actor", filter.Actor, "=")
	}
	if filter.Action != "" {
		add("action", filter.Action, "=")
	}
	if !filter.Since.IsZero() {
		add("created_at", filter.Since, ">=")
	}

	query := `SELECT id, session_id, actor, action, outcome, model_type, patient_id, detail, created_at FROM intake_audit_events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	var entries []*model.AuditEntry
	if err := r.GetDB().SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (r *AuditRepository) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	query := `
        DELETE FROM intake_audit_events
        WHERE created_at < $1
    `

	result, err := r.GetDB().ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit entries: %w", err)
	}
	return result.RowsAffected()
}
