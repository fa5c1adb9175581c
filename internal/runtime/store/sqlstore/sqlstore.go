// Package sqlstore is the database/sql MessageStore for PostgreSQL and
// SQLite. When the context carries a unit-of-work transaction every call
// joins it, so the causal records commit atomically with the domain state.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/store"
	"github.com/drblury/cqrsflow/internal/runtime/uow"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

// Config holds connection settings.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	return c
}

// Store implements store.MessageStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

var _ store.MessageStore = (*Store)(nil)

// Open connects, pings, and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlstore: DSN is required")
	}
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open(dialect.Name, dialect.DSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect.Name, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if dialect == SQLite {
		// one writer at a time; a second connection would see "database is locked"
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: connect %s: %w", dialect.Name, err)
	}

	s := &Store{db: db, dialect: dialect, owned: true}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The caller keeps ownership of db.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying handle, for building a uow.SQL over it.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, s.dialect.Expand(ddl)); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database when Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Querier is the subset of *sql.DB and *sql.Tx used by the store.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// QuerierFor returns the unit-of-work transaction in ctx, or db.
func QuerierFor(ctx context.Context, db *sql.DB) Querier {
	if tx := uow.FromContext(ctx); tx != nil {
		return tx
	}
	return db
}

func (s *Store) q(ctx context.Context) Querier {
	return QuerierFor(ctx, s.db)
}

func (s *Store) Exists(ctx context.Context, id string) (store.Status, bool, error) {
	var status string
	err := s.q(ctx).QueryRowContext(ctx, s.dialect.Rebind(`SELECT status FROM commands WHERE message_id = ?`), id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlstore: exists %s: %w", id, err)
	}
	return store.Status(status), true, nil
}

const selectCommand = `SELECT message_id, correlation_id, topic, type_tag, content_type, payload,
	saga_id, saga_type, parent_message_id, status, fault_code, fault_detail, reply_to,
	reply_message_id, reply_type_tag, reply_content_type, reply_payload, events_published,
	sent_at, received_at, processed_at
	FROM commands WHERE message_id = ?`

func (s *Store) Get(ctx context.Context, id string) (*store.Command, error) {
	var (
		cmd                      store.Command
		status                   string
		sagaID, parentID, replID sql.NullString
		replyTag, replyCT        string
		replyPayload             []byte
		sent, received, done     sql.NullTime
	)
	err := s.q(ctx).QueryRowContext(ctx, s.dialect.Rebind(selectCommand), id).Scan(
		&cmd.ID, &cmd.CorrelationID, &cmd.Topic, &cmd.TypeTag, &cmd.ContentType, &cmd.Payload,
		&sagaID, &cmd.SagaType, &parentID, &status, &cmd.FaultCode, &cmd.FaultDetail, &cmd.ReplyTo,
		&replID, &replyTag, &replyCT, &replyPayload, &cmd.EventsPublished,
		&sent, &received, &done,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("command %s: %w", id, errspkg.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s: %w", id, err)
	}
	cmd.Status = store.Status(status)
	cmd.SagaID = sagaID.String
	cmd.ParentID = parentID.String
	cmd.SentAt, cmd.ReceivedAt, cmd.ProcessedAt = sent.Time, received.Time, done.Time
	if replID.Valid && replID.String != "" {
		cmd.Reply = &store.Reply{MessageID: replID.String, TypeTag: replyTag, ContentType: replyCT, Payload: replyPayload}
	}
	return &cmd, nil
}

const insertCommand = `INSERT INTO commands (message_id, correlation_id, topic, type_tag, content_type, payload,
	saga_id, saga_type, parent_message_id, status, fault_code, fault_detail, reply_to,
	reply_message_id, reply_type_tag, reply_content_type, reply_payload, events_published,
	sent_at, received_at, processed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertEvent = `INSERT INTO events (message_id, correlation_id, topic, type_tag, content_type, payload,
	saga_id, saga_type, parent_message_id, aggregate_root_id, aggregate_root_type, version, position, sent_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Save writes the command and its events in one transaction, joining the
// unit of work when there is one. Two commands racing on one aggregate may
// collide on (aggregate_root_id, version); the loser gets
// ErrVersionConflict and nothing is written.
func (s *Store) Save(ctx context.Context, cmd *store.Command, children []*store.Event) error {
	if cmd == nil || cmd.ID == "" {
		return errspkg.ErrPayloadRequired
	}
	for _, evt := range children {
		if evt.AggregateID == "" {
			return fmt.Errorf("event %s: %w", evt.ID, errspkg.ErrAggregateRequired)
		}
	}

	if uow.HasTx(ctx) {
		return s.save(ctx, uow.FromContext(ctx), cmd, children)
	}
	return uow.NewSQL(s.db).Do(ctx, func(ctx context.Context) error {
		return s.save(ctx, uow.FromContext(ctx), cmd, children)
	})
}

func (s *Store) save(ctx context.Context, tx *sql.Tx, cmd *store.Command, children []*store.Event) error {
	if _, exists, err := s.Exists(ctx, cmd.ID); err != nil {
		return err
	} else if exists {
		return &errspkg.DuplicateMessageError{MessageID: cmd.ID}
	}

	var replyID, replyTag, replyCT string
	var replyPayload []byte
	if cmd.Reply != nil {
		replyID, replyTag, replyCT, replyPayload = cmd.Reply.MessageID, cmd.Reply.TypeTag, cmd.Reply.ContentType, cmd.Reply.Payload
	}
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(insertCommand),
		cmd.ID, cmd.CorrelationID, cmd.Topic, cmd.TypeTag, cmd.ContentType, cmd.Payload,
		nullString(cmd.SagaID), cmd.SagaType, nullString(cmd.ParentID), string(cmd.Status), cmd.FaultCode, cmd.FaultDetail, cmd.ReplyTo,
		nullString(replyID), replyTag, replyCT, replyPayload, cmd.EventsPublished,
		nullTime(cmd.SentAt), nullTime(cmd.ReceivedAt), nullTime(cmd.ProcessedAt),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return &errspkg.DuplicateMessageError{MessageID: cmd.ID}
		}
		return fmt.Errorf("sqlstore: insert command %s: %w", cmd.ID, err)
	}

	next := make(map[string]int64)
	versions := make([]int64, len(children))
	for i, evt := range children {
		version, ok := next[evt.AggregateID]
		if !ok {
			if err := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_root_id = ?`), evt.AggregateID).Scan(&version); err != nil {
				return fmt.Errorf("sqlstore: read version of %s: %w", evt.AggregateID, err)
			}
		}
		version++
		next[evt.AggregateID] = version
		versions[i] = version

		_, err := tx.ExecContext(ctx, s.dialect.Rebind(insertEvent),
			evt.ID, evt.CorrelationID, evt.Topic, evt.TypeTag, evt.ContentType, evt.Payload,
			nullString(evt.SagaID), evt.SagaType, cmd.ID, evt.AggregateID, evt.AggregateType, version, i, nullTime(evt.SentAt),
		)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return fmt.Errorf("sqlstore: event %s of %s at version %d: %w", evt.ID, evt.AggregateID, version, errspkg.ErrVersionConflict)
			}
			return fmt.Errorf("sqlstore: insert event %s: %w", evt.ID, err)
		}
	}

	for i, evt := range children {
		evt.Version = versions[i]
		evt.ParentID = cmd.ID
	}
	return nil
}

const selectEvents = `SELECT message_id, correlation_id, topic, type_tag, content_type, payload,
	saga_id, saga_type, parent_message_id, aggregate_root_id, aggregate_root_type, version, sent_at
	FROM events WHERE parent_message_id = ? ORDER BY position`

func (s *Store) Children(ctx context.Context, id string) ([]*store.Event, error) {
	if _, exists, err := s.Exists(ctx, id); err != nil {
		return nil, err
	} else if !exists {
		return nil, fmt.Errorf("command %s: %w", id, errspkg.ErrMessageNotFound)
	}

	rows, err := s.q(ctx).QueryContext(ctx, s.dialect.Rebind(selectEvents), id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: children of %s: %w", id, err)
	}
	defer rows.Close()

	var out []*store.Event
	for rows.Next() {
		var (
			evt    store.Event
			sagaID sql.NullString
			sent   sql.NullTime
		)
		if err := rows.Scan(&evt.ID, &evt.CorrelationID, &evt.Topic, &evt.TypeTag, &evt.ContentType, &evt.Payload,
			&sagaID, &evt.SagaType, &evt.ParentID, &evt.AggregateID, &evt.AggregateType, &evt.Version, &sent); err != nil {
			return nil, fmt.Errorf("sqlstore: scan event: %w", err)
		}
		evt.SagaID = sagaID.String
		evt.SentAt = sent.Time
		out = append(out, &evt)
	}
	return out, rows.Err()
}

func (s *Store) Parent(ctx context.Context, id string) (*store.Message, error) {
	q := s.q(ctx)
	var parentID sql.NullString
	err := q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT parent_message_id FROM commands WHERE message_id = ?`), id).Scan(&parentID)
	if err == sql.ErrNoRows {
		err = q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT parent_message_id FROM events WHERE message_id = ?`), id).Scan(&parentID)
	}
	if err == sql.ErrNoRows || (err == nil && parentID.String == "") {
		return nil, fmt.Errorf("parent of %s: %w", id, errspkg.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: parent of %s: %w", id, err)
	}

	if cmd, err := s.Get(ctx, parentID.String); err == nil {
		msg := cmd.Message
		return &msg, nil
	}

	var (
		msg    store.Message
		sagaID sql.NullString
		sent   sql.NullTime
	)
	err = q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT message_id, correlation_id, topic, type_tag, content_type, payload,
		saga_id, saga_type, parent_message_id, sent_at FROM events WHERE message_id = ?`), parentID.String).Scan(
		&msg.ID, &msg.CorrelationID, &msg.Topic, &msg.TypeTag, &msg.ContentType, &msg.Payload,
		&sagaID, &msg.SagaType, &msg.ParentID, &sent)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("parent %s of %s: %w", parentID.String, id, errspkg.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: parent of %s: %w", id, err)
	}
	msg.SagaID = sagaID.String
	msg.SentAt = sent.Time
	return &msg, nil
}

func (s *Store) MarkEventsPublished(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, s.dialect.Rebind(`UPDATE commands SET events_published = ? WHERE message_id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("sqlstore: mark published %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("command %s: %w", id, errspkg.ErrMessageNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
