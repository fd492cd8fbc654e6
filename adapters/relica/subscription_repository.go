package relica

import (
	"context"
	"database/sql"
	"time"

	"github.com/coregx/relay"
	"github.com/coregx/relay/model"
	"github.com/coregx/relica"
)

// SubscriptionRepository implements relay.SubscriptionRepository using Relica.
//
// Outcome writes are conditional updates keyed on the current status, so a
// redelivered message cannot demote a row another worker already processed.
type SubscriptionRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewSubscriptionRepository creates a new SubscriptionRepository with default table prefix.
func NewSubscriptionRepository(sqlDB *sql.DB, driverName string) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: "relay_",
	}
}

// NewSubscriptionRepositoryWithPrefix creates a new SubscriptionRepository with custom table prefix.
func NewSubscriptionRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
	}
}

func (r *SubscriptionRepository) tableName() string {
	return r.tablePrefix + "subscriptions"
}

// CreateBatch persists the fan-out snapshot for a freshly admitted message.
func (r *SubscriptionRepository) CreateBatch(ctx context.Context, subs []model.Subscription) error {
	for i := range subs {
		err := r.db.WithContext(ctx).Model(&subs[i]).Table(r.tableName()).Insert()
		if err != nil {
			return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to insert subscription", err)
		}
	}

	return nil
}

// ListByMessage retrieves all subscription rows of a message.
func (r *SubscriptionRepository) ListByMessage(ctx context.Context, messageID string) ([]model.Subscription, error) {
	var subs []model.Subscription

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("message_id = ?", messageID).
		OrderBy("created_at ASC").
		WithContext(ctx).
		All(&subs)

	if err != nil {
		return nil, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to list subscriptions by message", err)
	}

	if len(subs) == 0 {
		return nil, relay.ErrNoData
	}

	return subs, nil
}

// MarkInProgress flips a pending or errored row to IN_PROGRESS.
func (r *SubscriptionRepository) MarkInProgress(ctx context.Context, messageID, subscriberName, instanceID string) error {
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status": model.SubscriptionStatusInProgress,
		}).
		Where("message_id = ? AND subscriber_name = ? AND subscriber_instance_id = ? AND status IN (?, ?)",
			messageID, subscriberName, instanceID,
			model.SubscriptionStatusPending, model.SubscriptionStatusError).
		WithContext(ctx).
		Execute()
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to mark subscription in progress", err)
	}

	return nil
}

// MarkProcessed records a confirmed delivery. The status guard makes a
// repeated call a no-op: the first recorded outcome sticks.
func (r *SubscriptionRepository) MarkProcessed(ctx context.Context, messageID, subscriberName, instanceID, details string) error {
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status":             model.SubscriptionStatusProcessed,
			"processing_details": details,
			"processed_at":       time.Now(),
		}).
		Where("message_id = ? AND subscriber_name = ? AND subscriber_instance_id = ? AND status != ?",
			messageID, subscriberName, instanceID, model.SubscriptionStatusProcessed).
		WithContext(ctx).
		Execute()
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to mark subscription processed", err)
	}

	return nil
}

// MarkError records a failed delivery attempt. Never demotes a processed row.
func (r *SubscriptionRepository) MarkError(ctx context.Context, messageID, subscriberName, instanceID, errMsg string) error {
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status":        model.SubscriptionStatusError,
			"error_message": errMsg,
		}).
		Where("message_id = ? AND subscriber_name = ? AND subscriber_instance_id = ? AND status != ?",
			messageID, subscriberName, instanceID, model.SubscriptionStatusProcessed).
		WithContext(ctx).
		Execute()
	if err != nil {
		return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to mark subscription error", err)
	}

	return nil
}

// AllProcessed reports whether every subscription row of the message is
// PROCESSED. A message with no rows at all reports false: the fan-out
// snapshot is created with the message, so absence means already deleted.
func (r *SubscriptionRepository) AllProcessed(ctx context.Context, messageID string) (bool, error) {
	var total, processed int64

	err := r.db.WithContext(ctx).Select("COUNT(*)").
		From(r.tableName()).
		Where("message_id = ?", messageID).
		One(&total)
	if err != nil {
		return false, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to count subscriptions", err)
	}
	if total == 0 {
		return false, nil
	}

	err = r.db.WithContext(ctx).Select("COUNT(*)").
		From(r.tableName()).
		Where("message_id = ? AND status = ?", messageID, model.SubscriptionStatusProcessed).
		One(&processed)
	if err != nil {
		return false, relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to count processed subscriptions", err)
	}

	return processed == total, nil
}

// DeleteByMessage removes all subscription rows of a message.
func (r *SubscriptionRepository) DeleteByMessage(ctx context.Context, messageID string) error {
	subs, err := r.ListByMessage(ctx, messageID)
	if relay.IsNoData(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for i := range subs {
		err := r.db.WithContext(ctx).Model(&subs[i]).Table(r.tableName()).Delete()
		if err != nil {
			return relay.NewErrorWithCause(relay.ErrCodeDatabase, "failed to delete subscription", err)
		}
	}

	return nil
}
