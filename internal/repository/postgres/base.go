package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db *sqlx.DB
}

func NewBaseRepository(db *sqlx.DB) BaseRepository {
	return BaseRepository{db: db}
}

func (r *BaseRepository) GetDB() *sqlx.DB {
	return r.db
}

// WithTx runs fn in a transaction. Any error from fn, or a panic, rolls it back.
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
