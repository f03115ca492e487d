package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paymentd/internal/events"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const recordColumns = `id, topic, event_type, partition_key, payload, attempts, last_error,
	next_attempt_at, delivered_at, dead_lettered_at, created_at`

type Store struct {
	genID *snowflake.Node
}

func NewStore(genID *snowflake.Node) *Store {
	return &Store{genID: genID}
}

func (s *Store) Insert(ctx context.Context, db *gorm.DB, topic string, ev events.Event, nextAttemptAt, now time.Time) (*Record, error) {
	if ev == nil {
		return nil, errors.New("outbox event is nil")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	record := &Record{
		ID:            s.genID.Generate(),
		Topic:         topic,
		EventType:     ev.EventType(),
		PartitionKey:  ev.PartitionKey(),
		Payload:       datatypes.JSON(payload),
		NextAttemptAt: nextAttemptAt,
		CreatedAt:     now,
	}
	err = db.WithContext(ctx).Exec(
		`INSERT INTO payment_outbox (
			id, topic, event_type, partition_key, payload, attempts, next_attempt_at, created_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		record.ID,
		record.Topic,
		record.EventType,
		record.PartitionKey,
		record.Payload,
		record.NextAttemptAt,
		record.CreatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListDue returns undelivered rows whose retry time has passed, oldest first.
func (s *Store) ListDue(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]Record, error) {
	var rows []Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM payment_outbox
		 WHERE delivered_at IS NULL AND dead_lettered_at IS NULL AND attempts < ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`,
		maxAttempts,
		now,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Record, error) {
	var row Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM payment_outbox
		 WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

// MarkDelivered reports false when the row was already delivered or is gone.
func (s *Store) MarkDelivered(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_outbox SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) MarkAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, nextAttemptAt time.Time) error {
	var errValue *string
	if lastError != "" {
		errValue = &lastError
	}
	return db.WithContext(ctx).Exec(
		`UPDATE payment_outbox
		 SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		 WHERE id = ? AND delivered_at IS NULL`,
		errValue,
		nextAttemptAt,
		id,
	).Error
}

// Defer pushes a row back without spending an attempt. Used when the producer
// could not take the record at all.
func (s *Store) Defer(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, nextAttemptAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_outbox
		 SET last_error = ?, next_attempt_at = ?
		 WHERE id = ? AND delivered_at IS NULL`,
		lastError,
		nextAttemptAt,
		id,
	).Error
}

// ListExhausted returns rows that used every attempt and whose last ack
// window has passed without a delivery.
func (s *Store) ListExhausted(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]Record, error) {
	var rows []Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM payment_outbox
		 WHERE delivered_at IS NULL AND dead_lettered_at IS NULL AND attempts >= ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`,
		maxAttempts,
		now,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkDeadLettered reports false when the row was acked or dead-lettered
// in the meantime.
func (s *Store) MarkDeadLettered(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_outbox SET dead_lettered_at = ?
		 WHERE id = ? AND delivered_at IS NULL AND dead_lettered_at IS NULL`,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountPending counts rows still owed to the broker, including those
// waiting on the ack for their final attempt.
func (s *Store) CountPending(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payment_outbox WHERE delivered_at IS NULL AND dead_lettered_at IS NULL`,
	).Scan(&count).Error
	return count, err
}
