// Package sqlqueue is a durable queue transport stored in the same Postgres
// or SQLite database as the message store.
//
// Each consumer group of a topic owns a copy of every message published
// after the group first subscribed, so groups fan out and subscribers of
// one group compete. Messages published to a topic no group has subscribed
// to yet are kept and handed to the first group that does.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/cqrsflow/internal/runtime/codec"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/store/sqlstore"
	"github.com/drblury/cqrsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sql"

const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultLockTimeout    = 30 * time.Second
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second

	unclaimedGroup = ""
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS queue_groups (
		topic      TEXT NOT NULL,
		group_name TEXT NOT NULL,
		created_at {time} NOT NULL,
		PRIMARY KEY (topic, group_name)
	)`,
	`CREATE TABLE IF NOT EXISTS queue_messages (
		id           {serial},
		uuid         TEXT NOT NULL,
		topic        TEXT NOT NULL,
		group_name   TEXT NOT NULL,
		payload      {blob},
		metadata     TEXT NOT NULL,
		available_at {time} NOT NULL,
		locked_until {time} NULL,
		attempts     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_messages_claim ON queue_messages (topic, group_name, id)`,
}

func init() {
	Register()
}

// Register registers the sql transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLCapabilities)
}

// Build opens the database named by the store driver and DSN.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := Open(ctx, Config{Driver: cfg.GetStoreDriver(), DSN: cfg.GetStoreDSN()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return q.Transport(), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLCapabilities
}

// Config tunes the queue.
type Config struct {
	Driver string
	DSN    string
	// PollInterval is the pause after a subscription found nothing to claim.
	PollInterval time.Duration
	// LockTimeout is how long a claimed message stays invisible to other
	// subscribers. An unacked message reappears after it.
	LockTimeout time.Duration
	// InitialBackoff delays the first redelivery after a nack. Each further
	// nack doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Queue publishes to and subscribes from the queue tables.
type Queue struct {
	db      *sql.DB
	dialect sqlstore.Dialect
	cfg     Config
	logger  watermill.LoggerAdapter
	owned   bool

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open connects to cfg.DSN and migrates the queue tables.
func Open(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sqlqueue: DSN is required")
	}
	dialect, err := sqlstore.DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.Name, dialect.DSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: open %s: %w", dialect.Name, err)
	}
	if dialect == sqlstore.SQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlqueue: connect %s: %w", dialect.Name, err)
	}

	q := New(db, dialect, cfg, logger)
	q.owned = true
	if err := q.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// New wraps an existing handle, such as the message store's. The caller
// keeps ownership of db and must call Migrate.
func New(db *sql.DB, dialect sqlstore.Dialect, cfg Config, logger watermill.LoggerAdapter) *Queue {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Queue{
		db:      db,
		dialect: dialect,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(watermill.LogFields{"transport": TransportName}),
		done:    make(chan struct{}),
	}
}

// Migrate creates the queue tables when missing.
func (q *Queue) Migrate(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := q.db.ExecContext(ctx, q.dialect.Expand(ddl)); err != nil {
			return fmt.Errorf("sqlqueue: migrate: %w", err)
		}
	}
	return nil
}

// Transport exposes q to the runtime: the shared subscriber is the
// unnamed group.
func (q *Queue) Transport() transport.Transport {
	return transport.Transport{
		Publisher:  q,
		Subscriber: q.Group(unclaimedGroup),
		NewGroupSubscriber: func(group string) (message.Subscriber, error) {
			return q.Group(group), nil
		},
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Publish stores one row per subscribed group of topic, all in one
// transaction.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return errspkg.ErrStopped
	}
	ctx := context.Background()
	if len(messages) > 0 && messages[0].Context() != nil {
		ctx = messages[0].Context()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlqueue: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	groups, err := q.groups(ctx, tx, topic)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		groups = []string{unclaimedGroup}
	}

	insert := q.dialect.Rebind(`INSERT INTO queue_messages (uuid, topic, group_name, payload, metadata, available_at) VALUES (?, ?, ?, ?, ?, ?)`)
	now := time.Now().UTC()
	for _, msg := range messages {
		metadata, err := codec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("sqlqueue: encode metadata: %w", err)
		}
		for _, group := range groups {
			if _, err := tx.ExecContext(ctx, insert, msg.UUID, topic, group, msg.Payload, string(metadata), now); err != nil {
				return fmt.Errorf("sqlqueue: insert into %s: %w", topic, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlqueue: commit: %w", err)
	}
	return nil
}

func (q *Queue) groups(ctx context.Context, tx *sql.Tx, topic string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, q.dialect.Rebind(`SELECT group_name FROM queue_groups WHERE topic = ? ORDER BY group_name`), topic)
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: load groups of %s: %w", topic, err)
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// register records group as a subscriber of topic. The first group of a
// topic adopts the messages published before anyone subscribed.
func (q *Queue) register(ctx context.Context, topic, group string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	groups, err := q.groups(ctx, tx, topic)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g == group {
			return tx.Commit()
		}
	}
	if _, err := tx.ExecContext(ctx, q.dialect.Rebind(`INSERT INTO queue_groups (topic, group_name, created_at) VALUES (?, ?, ?)`), topic, group, time.Now().UTC()); err != nil {
		if q.dialect.IsUniqueViolation(err) {
			return nil
		}
		return err
	}
	if len(groups) == 0 && group != unclaimedGroup {
		if _, err := tx.ExecContext(ctx, q.dialect.Rebind(`UPDATE queue_messages SET group_name = ? WHERE topic = ? AND group_name = ?`), group, topic, unclaimedGroup); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Group returns the subscriber of one consumer group.
func (q *Queue) Group(group string) message.Subscriber {
	return &subscriber{queue: q, group: group}
}

type subscriber struct {
	queue *Queue
	group string
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	q := s.queue
	if q.isClosed() {
		return nil, errspkg.ErrStopped
	}
	if err := q.register(ctx, topic, s.group); err != nil {
		return nil, fmt.Errorf("sqlqueue: subscribe %s/%s: %w", topic, s.group, err)
	}

	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, s.group, out)
	return out, nil
}

// Close is a no-op; closing the queue stops every subscription.
func (s *subscriber) Close() error { return nil }

type claimed struct {
	id       int64
	attempts int
	msg      *message.Message
}

func (q *Queue) poll(ctx context.Context, topic, group string, out chan<- *message.Message) {
	defer q.wg.Done()
	defer close(out)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-timer.C:
		}

		for {
			c, err := q.claim(ctx, topic, group)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Error("Failed to claim message", err, watermill.LogFields{"topic": topic, "group": group})
				}
				break
			}
			if c == nil || !q.deliver(ctx, c, out) {
				break
			}
		}
		timer.Reset(q.cfg.PollInterval)
	}
}

func (q *Queue) claim(ctx context.Context, topic, group string) (*claimed, error) {
	now := time.Now().UTC()
	query := q.dialect.Rebind(`UPDATE queue_messages SET locked_until = ?
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE topic = ? AND group_name = ? AND available_at <= ?
			AND (locked_until IS NULL OR locked_until < ?)
			ORDER BY id LIMIT 1` + q.dialect.SkipLocked() + `
		)
		RETURNING id, uuid, payload, metadata, attempts`)

	var (
		c        claimed
		uuid     string
		payload  []byte
		metadata string
	)
	err := q.db.QueryRowContext(ctx, query, now.Add(q.cfg.LockTimeout), topic, group, now, now).
		Scan(&c.id, &uuid, &payload, &metadata, &c.attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.msg = message.NewMessage(uuid, payload)
	if err := codec.Unmarshal([]byte(metadata), &c.msg.Metadata); err != nil {
		q.logger.Error("Dropping metadata that cannot be decoded", err, watermill.LogFields{"message_uuid": uuid})
		c.msg.Metadata = message.Metadata{}
	}
	return &c, nil
}

// deliver hands c to the subscriber and settles it. It reports whether the
// subscription is still live.
func (q *Queue) deliver(ctx context.Context, c *claimed, out chan<- *message.Message) bool {
	select {
	case out <- c.msg:
	case <-ctx.Done():
		q.release(c.id)
		return false
	case <-q.done:
		q.release(c.id)
		return false
	}

	select {
	case <-c.msg.Acked():
		q.exec(ctx, `DELETE FROM queue_messages WHERE id = ?`, c.id)
		return true
	case <-c.msg.Nacked():
		q.exec(ctx, `UPDATE queue_messages SET locked_until = NULL, attempts = attempts + 1, available_at = ? WHERE id = ?`,
			time.Now().UTC().Add(q.backoff(c.attempts)), c.id)
		return true
	case <-ctx.Done():
		q.release(c.id)
		return false
	case <-q.done:
		q.release(c.id)
		return false
	}
}

// backoff doubles InitialBackoff per earlier attempt, capped at MaxBackoff.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.cfg.InitialBackoff
	for i := 0; i < attempts && delay < q.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, q.cfg.MaxBackoff)
}

// release makes a claimed message visible again right away.
func (q *Queue) release(id int64) {
	q.exec(context.Background(), `UPDATE queue_messages SET locked_until = NULL WHERE id = ?`, id)
}

func (q *Queue) exec(ctx context.Context, query string, args ...any) {
	if _, err := q.db.ExecContext(context.WithoutCancel(ctx), q.dialect.Rebind(query), args...); err != nil {
		q.logger.Error("Failed to settle message", err, watermill.LogFields{"query": query})
	}
}

// Pending counts the messages of topic waiting for group, including
// claimed ones.
func (q *Queue) Pending(ctx context.Context, topic, group string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(`SELECT COUNT(*) FROM queue_messages WHERE topic = ? AND group_name = ?`), topic, group).Scan(&n)
	return n, err
}

// Close stops every subscription, waiting for their pollers, and closes the
// database when the queue opened it.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	if q.owned {
		return q.db.Close()
	}
	return nil
}
