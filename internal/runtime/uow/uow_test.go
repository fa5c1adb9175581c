package uow

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE items (name TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestContextCarriesTx(t *testing.T) {
	ctx := context.Background()
	assert.False(t, HasTx(ctx))
	assert.Nil(t, FromContext(ctx))

	tx := &sql.Tx{}
	ctx = WithTx(ctx, tx)
	assert.True(t, HasTx(ctx))
	assert.Same(t, tx, FromContext(ctx))
}

func TestPassthrough(t *testing.T) {
	called := false
	err := Passthrough{}.Do(context.Background(), func(ctx context.Context) error {
		called = true
		assert.False(t, HasTx(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestSQLCommits(t *testing.T) {
	db := openDB(t)
	u := NewSQL(db)

	err := u.Do(context.Background(), func(ctx context.Context) error {
		tx := FromContext(ctx)
		require.NotNil(t, tx)
		_, err := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, db))
}

func TestSQLRollsBackOnError(t *testing.T) {
	db := openDB(t)
	u := NewSQL(db)
	boom := errors.New("boom")

	err := u.Do(context.Background(), func(ctx context.Context) error {
		_, err := FromContext(ctx).ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, count(t, db))
}

func TestSQLRollsBackOnPanic(t *testing.T) {
	db := openDB(t)
	u := NewSQL(db)

	assert.Panics(t, func() {
		_ = u.Do(context.Background(), func(ctx context.Context) error {
			_, _ = FromContext(ctx).ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
			panic("handler crashed")
		})
	})
	assert.Equal(t, 0, count(t, db))
}

func TestSQLJoinsOuterTransaction(t *testing.T) {
	db := openDB(t)
	u := NewSQL(db)

	err := u.Do(context.Background(), func(outer context.Context) error {
		return u.Do(outer, func(inner context.Context) error {
			assert.Same(t, FromContext(outer), FromContext(inner))
			return nil
		})
	})
	require.NoError(t, err)
}
