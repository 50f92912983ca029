// Package postgres provides a queue transport backed by PostgreSQL tables.
// Rows are claimed with FOR UPDATE SKIP LOCKED, so any number of
// subscriptions to one topic compete for its messages.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lib/pq"

	"github.com/drblury/busflow/internal/runtime/pipeline"
	"github.com/drblury/busflow/transport"
)

const TransportName = "postgres"

const (
	DefaultSchema       = "busflow"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultLockTimeout  = 30 * time.Second
)

var (
	ErrURLRequired   = errors.New("postgres: URL is required")
	ErrInvalidSchema = errors.New("postgres: invalid schema name")
	ErrClosed        = errors.New("postgres: transport is closed")
)

var schemaPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func init() {
	Register()
}

// Register adds the transport under "postgres" and the "postgresql" alias.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ctx, Config{
		ConnectionString: cfg.GetPostgresURL(),
		Schema:           cfg.GetPostgresSchema(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:    t,
		Subscriber:   t,
		DeadLetterer: t,
		Middlewares: []pipeline.Middleware{
			LockExtensionMiddleware(t, t.config.LockTimeout/2, logger),
		},
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

type Config struct {
	ConnectionString string
	// Schema holds the messages and dead_letter_queue tables.
	Schema       string
	PollInterval time.Duration
	// LockTimeout is how long a claimed row stays invisible to other
	// subscribers unless the lock is extended.
	LockTimeout  time.Duration
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return ErrURLRequired
	}
	if !schemaPattern.MatchString(c.Schema) {
		return fmt.Errorf("%w: %q", ErrInvalidSchema, c.Schema)
	}
	return nil
}

// Transport is both the publisher and the subscriber.
type Transport struct {
	db     *sql.DB
	config Config
	schema string // quoted identifier
	logger watermill.LoggerAdapter

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	t := &Transport{
		db:      db,
		config:  cfg,
		schema:  pq.QuoteIdentifier(cfg.Schema),
		logger:  logger,
		closing: make(chan struct{}),
	}
	if err := t.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}
	return t, nil
}

func (t *Transport) initSchema(ctx context.Context) error {
	// #nosec G201 -- schema is validated and quoted
	ddl := fmt.Sprintf(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[1]s.messages (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_topic_available
		ON %[1]s.messages(topic, available_at);

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letter_queue (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		reason TEXT,
		failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		delivery_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_topic_failed_at
		ON %[1]s.dead_letter_queue(original_topic, failed_at);
	`, t.schema)

	_, err := t.db.ExecContext(ctx, ddl)
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

// Publish inserts all messages in one transaction.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	ctx := context.Background()
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer t.rollback(tx)

	// #nosec G201 -- schema is validated and quoted
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.messages (uuid, topic, payload, metadata) VALUES ($1, $2, $3, $4)`, t.schema))
	if err != nil {
		return fmt.Errorf("postgres: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		metadata, err := json.Marshal(outgoingMetadata(msg.Metadata))
		if err != nil {
			return fmt.Errorf("postgres: encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, msg.UUID, topic, []byte(msg.Payload), metadata); err != nil {
			return fmt.Errorf("postgres: insert %s: %w", msg.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Subscribe starts a poller for topic. Each call claims rows independently
// of other subscriptions to the same topic.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	out := make(chan *message.Message)
	t.wg.Add(1)
	go t.poll(ctx, topic, out)
	return out, nil
}

func (t *Transport) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer t.wg.Done()
	defer close(out)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		case <-ticker.C:
			// Drain everything available before waiting for the next tick.
			for t.deliverNext(ctx, topic, out) {
			}
		}
	}
}

// deliverNext claims one row, hands it to the subscriber and settles it.
// It reports whether a row was claimed.
func (t *Transport) deliverNext(ctx context.Context, topic string, out chan<- *message.Message) bool {
	id, msg, ok := t.claim(ctx, topic)
	if !ok {
		return false
	}

	settle := context.WithoutCancel(ctx)
	select {
	case out <- msg:
	case <-ctx.Done():
		t.unlock(settle, id)
		return false
	case <-t.closing:
		t.unlock(settle, id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ack(settle, id)
		return true
	case <-msg.Nacked():
		t.nack(settle, id)
		return true
	case <-ctx.Done():
		t.unlock(settle, id)
	case <-t.closing:
		t.unlock(settle, id)
	}
	return false
}

func (t *Transport) claim(ctx context.Context, topic string) (int64, *message.Message, bool) {
	now := time.Now().UTC()

	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`
		UPDATE %[1]s.messages
		SET locked_until = $1
		WHERE id = (
			SELECT id FROM %[1]s.messages
			WHERE topic = $2
			  AND available_at <= $3
			  AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY available_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, uuid, payload, metadata, retry_count
	`, t.schema)

	var (
		id         int64
		uuid       string
		payload    []byte
		rawMeta    []byte
		retryCount int
	)
	err := t.db.QueryRowContext(ctx, query, now.Add(t.config.LockTimeout), topic, now).
		Scan(&id, &uuid, &payload, &rawMeta, &retryCount)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("Failed to claim message", err, watermill.LogFields{"topic": topic})
		}
		return 0, nil, false
	}

	msg := message.NewMessage(uuid, payload)
	msg.Metadata = incomingMetadata(rawMeta, retryCount, t.logger)
	return id, msg, true
}

func (t *Transport) ack(ctx context.Context, id int64) {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`DELETE FROM %s.messages WHERE id = $1`, t.schema)
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logger.Error("Failed to ack message", err, watermill.LogFields{"row_id": id})
	}
}

// nack makes the row visible again after a backoff that doubles per attempt
// up to 32s. Moving it to the dead-letter table is the dispatcher's decision.
func (t *Transport) nack(ctx context.Context, id int64) {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`
		UPDATE %s.messages
		SET locked_until = NULL,
		    available_at = NOW() + LEAST(power(2, retry_count), 32) * INTERVAL '1 second',
		    retry_count = retry_count + 1
		WHERE id = $1
	`, t.schema)
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logger.Error("Failed to nack message", err, watermill.LogFields{"row_id": id})
	}
}

func (t *Transport) unlock(ctx context.Context, id int64) {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`UPDATE %s.messages SET locked_until = NULL WHERE id = $1`, t.schema)
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logger.Error("Failed to unlock message", err, watermill.LogFields{"row_id": id})
	}
}

// ExtendLock pushes locked_until forward for a message that is still claimed.
func (t *Transport) ExtendLock(ctx context.Context, uuid string) error {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`
		UPDATE %s.messages
		SET locked_until = $1
		WHERE uuid = $2 AND locked_until IS NOT NULL
	`, t.schema)
	res, err := t.db.ExecContext(ctx, query, time.Now().UTC().Add(t.config.LockTimeout), uuid)
	if err != nil {
		return fmt.Errorf("postgres: extend lock %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: extend lock %s: %w", uuid, sql.ErrNoRows)
	}
	return nil
}

// DeadLetter moves the claimed row into the dead-letter table. The caller
// acks msg afterwards, which finds no row left to delete.
func (t *Transport) DeadLetter(ctx context.Context, topic string, msg *message.Message, reason string) error {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`
		WITH moved AS (
			DELETE FROM %[1]s.messages WHERE uuid = $1
			RETURNING uuid, topic, payload, metadata, retry_count
		)
		INSERT INTO %[1]s.dead_letter_queue (uuid, original_topic, payload, metadata, reason, delivery_count)
		SELECT uuid, topic, payload, metadata, $2, retry_count + 1 FROM moved
	`, t.schema)

	res, err := t.db.ExecContext(ctx, query, msg.UUID, reason)
	if err != nil {
		return fmt.Errorf("postgres: dead letter %s: %w", msg.UUID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: dead letter %s from %s: %w", msg.UUID, topic, sql.ErrNoRows)
	}
	return nil
}

// Close stops all pollers, waits for them and closes the pool.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closing)
		t.wg.Wait()
		err = t.db.Close()
	})
	return err
}

func (t *Transport) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.Error("Failed to roll back transaction", err, nil)
	}
}

// outgoingMetadata drops the delivery count so a republished message starts
// counting again.
func outgoingMetadata(md message.Metadata) message.Metadata {
	out := make(message.Metadata, len(md))
	for k, v := range md {
		if k == transport.PostgresDeliveryCountKey {
			continue
		}
		out[k] = v
	}
	return out
}

// incomingMetadata decodes the stored headers and stamps the delivery count.
func incomingMetadata(raw []byte, retryCount int, logger watermill.LoggerAdapter) message.Metadata {
	md := make(message.Metadata)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &md); err != nil {
			logger.Error("Failed to decode stored metadata", err, nil)
			md = make(message.Metadata)
		}
	}
	md.Set(transport.PostgresDeliveryCountKey, strconv.Itoa(retryCount+1))
	return md
}
