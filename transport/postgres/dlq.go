package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/busflow/transport"
)

// GetPendingCount counts rows waiting or in flight for topic.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	var count int64
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s.messages WHERE topic = $1`, t.schema)
	err := t.db.QueryRow(query, topic).Scan(&count)
	return count, err
}

func (t *Transport) GetDLQCount(topic string) (int64, error) {
	var count int64
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s.dead_letter_queue WHERE original_topic = $1`, t.schema)
	err := t.db.QueryRow(query, topic).Scan(&count)
	return count, err
}

// ReplayDLQMessage moves one parked message back to its topic with a fresh
// uuid and a reset delivery count.
func (t *Transport) ReplayDLQMessage(dlqID int64) error {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letter_queue WHERE id = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata)
		SELECT uuid || '-replay-' || extract(epoch from now())::bigint, original_topic, payload, metadata
		FROM replayed
	`, t.schema)

	affected, err := t.inTx(query, dlqID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("postgres: dead-letter message %d: %w", dlqID, sql.ErrNoRows)
	}
	return nil
}

func (t *Transport) ReplayAllDLQ(topic string) (int64, error) {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letter_queue WHERE original_topic = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata)
		SELECT uuid || '-replay-' || extract(epoch from now())::bigint || '-' || row_number() OVER (),
		       original_topic, payload, metadata
		FROM replayed
	`, t.schema)
	return t.inTx(query, topic)
}

func (t *Transport) PurgeDLQ(topic string) (int64, error) {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`DELETE FROM %s.dead_letter_queue WHERE original_topic = $1`, t.schema)
	res, err := t.db.Exec(query, topic)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListDLQMessages pages through parked messages, newest first.
func (t *Transport) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`
		SELECT id, uuid, original_topic, payload, metadata, COALESCE(reason, ''), failed_at, delivery_count
		FROM %s.dead_letter_queue
		WHERE original_topic = $1
		ORDER BY failed_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, t.schema)

	rows, err := t.db.Query(query, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.DLQMessage
	for rows.Next() {
		var (
			msg     transport.DLQMessage
			rawMeta []byte
		)
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.OriginalTopic, &msg.Payload, &rawMeta, &msg.Reason, &msg.FailedAt, &msg.DeliveryCount); err != nil {
			return nil, err
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &msg.Metadata); err != nil {
				t.logger.Error("Failed to decode dead-letter metadata", err, watermill.LogFields{"dlq_id": msg.ID})
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CleanupExpiredLocks releases rows whose lock ran out, for example after a
// consumer crashed mid-message.
func (t *Transport) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	// #nosec G201 -- schema is validated and quoted
	query := fmt.Sprintf(`
		UPDATE %s.messages
		SET locked_until = NULL
		WHERE locked_until IS NOT NULL AND locked_until < NOW()
	`, t.schema)
	res, err := t.db.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *Transport) inTx(query string, arg any) (int64, error) {
	tx, err := t.db.Begin()
	if err != nil {
		return 0, err
	}
	defer t.rollback(tx)

	res, err := tx.Exec(query, arg)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return affected, tx.Commit()
}
