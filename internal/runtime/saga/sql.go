package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/store/sqlstore"
)

const sagaSchema = `CREATE TABLE IF NOT EXISTS saga_states (
	saga_id    TEXT PRIMARY KEY,
	saga_type  TEXT NOT NULL DEFAULT '',
	version    BIGINT NOT NULL,
	data       {blob},
	updated_at {time} NOT NULL
)`

// SQLRepository stores saga state in the message store database. Calls
// join the unit-of-work transaction carried by the context.
type SQLRepository struct {
	db      *sql.DB
	dialect sqlstore.Dialect
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository returns a repository over db. Call Migrate once before use.
func NewSQLRepository(db *sql.DB, dialect sqlstore.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

// Migrate creates the saga_states table when missing.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.dialect.Expand(sagaSchema)); err != nil {
		return fmt.Errorf("saga: migrate: %w", err)
	}
	return nil
}

func (r *SQLRepository) Load(ctx context.Context, sagaID string) (*State, error) {
	state := &State{SagaID: sagaID}
	err := sqlstore.QuerierFor(ctx, r.db).QueryRowContext(ctx,
		r.dialect.Rebind(`SELECT saga_type, version, data, updated_at FROM saga_states WHERE saga_id = ?`), sagaID,
	).Scan(&state.SagaType, &state.Version, &state.Data, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, errspkg.ErrSagaNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("saga: load %s: %w", sagaID, err)
	}
	return state, nil
}

func (r *SQLRepository) Save(ctx context.Context, state *State, expected int64) error {
	if state == nil || state.SagaID == "" {
		return errspkg.ErrPayloadRequired
	}
	q := sqlstore.QuerierFor(ctx, r.db)
	now := time.Now().UTC()
	next := expected + 1

	if expected == 0 {
		// ON CONFLICT keeps an enclosing PostgreSQL transaction usable, so
		// the coordinator can reload and retry inside it.
		res, err := q.ExecContext(ctx,
			r.dialect.Rebind(`INSERT INTO saga_states (saga_id, saga_type, version, data, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (saga_id) DO NOTHING`),
			state.SagaID, state.SagaType, next, state.Data, now)
		if err != nil {
			return fmt.Errorf("saga: insert %s: %w", state.SagaID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("saga: insert %s: %w", state.SagaID, err)
		}
		if n == 0 {
			return fmt.Errorf("saga %s already created: %w", state.SagaID, errspkg.ErrVersionConflict)
		}
	} else {
		res, err := q.ExecContext(ctx,
			r.dialect.Rebind(`UPDATE saga_states SET saga_type = ?, version = ?, data = ?, updated_at = ? WHERE saga_id = ? AND version = ?`),
			state.SagaType, next, state.Data, now, state.SagaID, expected)
		if err != nil {
			return fmt.Errorf("saga: update %s: %w", state.SagaID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("saga: update %s: %w", state.SagaID, err)
		}
		if n == 0 {
			return fmt.Errorf("saga %s moved past version %d: %w", state.SagaID, expected, errspkg.ErrVersionConflict)
		}
	}
	state.Version = next
	state.UpdatedAt = now
	return nil
}
