package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
	"github.com/coregx/relica"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// MessageRepository implements relay.MessageRepository using Relica.
//
// Admission dedup relies on the unique index over content_hash: concurrent
// inserts of the same content race on the index and exactly one wins. The
// loser translates the driver's unique-violation error into a DuplicateError
// carrying the winner's message id.
type MessageRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewMessageRepository creates a new MessageRepository with default table prefix.
func NewMessageRepository(sqlDB *sql.DB, driverName string) *MessageRepository {
	return &MessageRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: "relay_",
	}
}

// NewMessageRepositoryWithPrefix creates a new MessageRepository with custom table prefix.
func NewMessageRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *MessageRepository {
	return &MessageRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
	}
}

func (r *MessageRepository) tableName() string {
	return r.tablePrefix + "messages"
}

// isUniqueViolation reports whether err is a unique-index violation on any of
// the supported drivers (MySQL 1062, PostgreSQL 23505, SQLite constraint).
func isUniqueViolation(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}

// Create persists a new pending message. A unique-violation on content_hash
// resolves to the existing message id and returns a DuplicateError.
func (r *MessageRepository) Create(ctx context.Context, m model.Message) error {
	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert()
	if err == nil {
		return nil
	}

	if !isUniqueViolation(err) {
		return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to insert message", err)
	}

	var existing model.Message
	lookupErr := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("content_hash = ?", m.ContentHash).
		WithContext(ctx).
		One(&existing)
	if lookupErr != nil {
		// The winning row vanished between insert and lookup (GC race); report
		// the original conflict so the caller can retry the admission.
		return relay.NewErrorWithCause(relay.ErrCodeConflict, "duplicate message insert, existing row not found", err)
	}

	return &relay.DuplicateError{ExistingID: existing.ID}
}

// FindByID retrieves a message by id.
func (r *MessageRepository) FindByID(ctx context.Context, id string) (model.Message, error) {
	var m model.Message

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("id = ?", id).
		WithContext(ctx).
		One(&m)

	if errors.Is(err, sql.ErrNoRows) {
		return m, relay.ErrNoData
	}
	if err != nil {
		return m, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to find message", err)
	}

	return m, nil
}

// Claim atomically takes the delivery lease on a message. The WHERE clause
// carries the claimability check, so losing a race simply affects zero rows.
func (r *MessageRepository) Claim(ctx context.Context, id string, lease time.Duration) (bool, error) {
	now := time.Now()

	res, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status":            model.MessageStatusInProgress,
			"in_progress_until": now.Add(lease),
		}).
		Where("id = ? AND (status IN (?, ?) OR (status = ? AND in_progress_until <= ?))",
			id, model.MessageStatusPending, model.MessageStatusError,
			model.MessageStatusInProgress, now).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to claim message", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to read claim result", err)
	}

	return affected > 0, nil
}

// Complete atomically flips the message to PROCESSED unless already terminal.
func (r *MessageRepository) Complete(ctx context.Context, id string) error {
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status":       model.MessageStatusProcessed,
			"processed_at": time.Now(),
		}).
		Where("id = ? AND status NOT IN (?, ?)",
			id, model.MessageStatusProcessed, model.MessageStatusDeadLetter).
		WithContext(ctx).
		Execute()
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to complete message", err)
	}

	return nil
}

// DeadLetter atomically flips the message to DEAD_LETTER unless already terminal.
func (r *MessageRepository) DeadLetter(ctx context.Context, id string) error {
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status":       model.MessageStatusDeadLetter,
			"processed_at": time.Now(),
		}).
		Where("id = ? AND status NOT IN (?, ?)",
			id, model.MessageStatusProcessed, model.MessageStatusDeadLetter).
		WithContext(ctx).
		Execute()
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to dead-letter message", err)
	}

	return nil
}

// ListPending retrieves claimable messages on an interface in FIFO order.
func (r *MessageRepository) ListPending(ctx context.Context, interfaceName string, limit int) ([]model.Message, error) {
	var messages []model.Message

	now := time.Now()

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("interface_name = ? AND (status IN (?, ?) OR (status = ? AND in_progress_until <= ?))",
			interfaceName, model.MessageStatusPending, model.MessageStatusError,
			model.MessageStatusInProgress, now).
		OrderBy("created_at ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&messages)

	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to list pending messages", err)
	}

	if len(messages) == 0 {
		return nil, relay.ErrNoData
	}

	return messages, nil
}

// Delete permanently removes a message.
func (r *MessageRepository) Delete(ctx context.Context, id string) error {
	m := model.Message{ID: id}

	// Delete using Model() API - auto WHERE id = ?
	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Delete()
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to delete message", err)
	}

	return nil
}

// CountPending returns the number of claimable messages on an interface.
func (r *MessageRepository) CountPending(ctx context.Context, interfaceName string) (int, error) {
	var count int64

	now := time.Now()

	err := r.db.WithContext(ctx).Select("COUNT(*)").
		From(r.tableName()).
		Where("interface_name = ? AND (status IN (?, ?) OR (status = ? AND in_progress_until <= ?))",
			interfaceName, model.MessageStatusPending, model.MessageStatusError,
			model.MessageStatusInProgress, now).
		One(&count)
	if err != nil {
		return 0, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to count pending messages", err)
	}

	return int(count), nil
}

// DeleteOlderThan removes terminal messages created before the cutoff.
func (r *MessageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	// Select ids first so the delete respects the limit on every dialect.
	var victims []model.Message

	err := r.db.WithContext(ctx).Select("id").
		From(r.tableName()).
		Where("status IN (?, ?) AND created_at < ?",
			model.MessageStatusProcessed, model.MessageStatusDeadLetter, cutoff).
		OrderBy("created_at ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&victims)
	if err != nil {
		return 0, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to find outdated messages", err)
	}

	deleted := 0
	for i := range victims {
		err := r.db.WithContext(ctx).Model(&victims[i]).Table(r.tableName()).Delete()
		if err != nil {
			return deleted, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to delete outdated message", err)
		}
		deleted++
	}

	return deleted, nil
}
