package relica

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/relay/model"
)

// newLockRepository opens an in-memory SQLite database with the delivery
// locks schema. A single connection keeps every statement on the same
// in-memory database.
func newLockRepository(t *testing.T) *DeliveryLockRepository {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE relay_delivery_locks (
			id                     VARCHAR(36)  NOT NULL,
			message_id             VARCHAR(36)  NOT NULL,
			lock_token             VARCHAR(36)  NOT NULL,
			topic_name             VARCHAR(150) NOT NULL,
			subscription_name      VARCHAR(200) NOT NULL,
			subscriber_instance_id VARCHAR(100) NOT NULL,
			status                 VARCHAR(20)  NOT NULL DEFAULT 'active',
			lock_acquired_at       TIMESTAMP    NOT NULL,
			lock_expires_at        TIMESTAMP    NOT NULL,
			last_renewed_at        TIMESTAMP    NULL,
			renewal_count          INT          NOT NULL DEFAULT 0,
			delivery_count         INT          NOT NULL DEFAULT 0,
			PRIMARY KEY (id)
		);
		CREATE UNIQUE INDEX ux_relay_delivery_locks_token ON relay_delivery_locks (lock_token);
	`)
	require.NoError(t, err)

	return NewDeliveryLockRepository(db, "sqlite3")
}

func createActiveLock(t *testing.T, repo *DeliveryLockRepository, token string) model.DeliveryLock {
	t.Helper()

	lock := model.NewDeliveryLock("msg-1", token, "orders", "sql-writer-db-1", "db-1",
		time.Now().Add(30*time.Second), 1)
	require.NoError(t, repo.Create(context.Background(), lock))
	return lock
}

func TestMarkRenewed_IncrementsRenewalCount(t *testing.T) {
	repo := newLockRepository(t)
	createActiveLock(t, repo, "token-1")
	ctx := context.Background()

	firstExpiry := time.Now().Add(time.Minute)
	renewed, err := repo.MarkRenewed(ctx, "token-1", firstExpiry)
	require.NoError(t, err)
	assert.True(t, renewed)

	secondExpiry := time.Now().Add(2 * time.Minute)
	renewed, err = repo.MarkRenewed(ctx, "token-1", secondExpiry)
	require.NoError(t, err)
	assert.True(t, renewed)

	lock, err := repo.FindByToken(ctx, "token-1")
	require.NoError(t, err)
	assert.Equal(t, 2, lock.RenewalCount)
	assert.WithinDuration(t, secondExpiry, lock.LockExpiresAt, time.Second)
	assert.True(t, lock.LastRenewedAt.Valid)
}

func TestMarkRenewed_TerminalLockIsUntouched(t *testing.T) {
	repo := newLockRepository(t)
	createActiveLock(t, repo, "token-1")
	ctx := context.Background()

	require.NoError(t, repo.Complete(ctx, "token-1"))

	renewed, err := repo.MarkRenewed(ctx, "token-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, renewed)

	lock, err := repo.FindByToken(ctx, "token-1")
	require.NoError(t, err)
	assert.Equal(t, model.LockStatusCompleted, lock.Status)
	assert.Equal(t, 0, lock.RenewalCount)
}

func TestMarkRenewed_ConcurrentRenewersNeverLoseAnIncrement(t *testing.T) {
	repo := newLockRepository(t)
	createActiveLock(t, repo, "token-1")
	ctx := context.Background()

	// Renewal loops in separate processes can race between the count read
	// and the update. Every renewal reported as recorded must be visible in
	// the stored count, losers must report not-recorded.
	const renewers = 8
	var wg sync.WaitGroup
	results := make(chan bool, renewers)
	errs := make(chan error, renewers)
	for i := 0; i < renewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			renewed, err := repo.MarkRenewed(ctx, "token-1", time.Now().Add(time.Minute))
			if err != nil {
				errs <- err
				return
			}
			results <- renewed
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	recorded := 0
	for renewed := range results {
		if renewed {
			recorded++
		}
	}
	require.GreaterOrEqual(t, recorded, 1)

	lock, err := repo.FindByToken(ctx, "token-1")
	require.NoError(t, err)
	assert.Equal(t, recorded, lock.RenewalCount)
}
