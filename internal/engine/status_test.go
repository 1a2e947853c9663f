package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjg67/IT-Inventory-sub000/internal/connectivity"
	"github.com/fjg67/IT-Inventory-sub000/internal/logging"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
	"github.com/fjg67/IT-Inventory-sub000/internal/store"
)

type statusFixture struct {
	store     *store.Store
	monitor   *connectivity.Monitor
	state     State
	publisher *StatusPublisher
}

func testPublisher(t *testing.T) *statusFixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := logging.NewLogger("development")
	monitor := connectivity.New(connectivity.Config{Freshness: time.Minute}, logger)

	f := &statusFixture{store: s, monitor: monitor, state: StateIdle}
	f.publisher = NewStatusPublisher(s, monitor, func() State { return f.state }, logger)

	return f
}

// --- Compute ---

func TestCompute_SyncedWhenCleanAndReachable(t *testing.T) {
	f := testPublisher(t)
	f.monitor.ReportBackendSuccess()

	snap := f.publisher.Compute()

	assert.Equal(t, StatusSynced, snap.Status)
	assert.Zero(t, snap.PendingCount)
	assert.True(t, snap.BackendReachable)
}

func TestCompute_IdleWhenCleanButOffline(t *testing.T) {
	f := testPublisher(t)

	snap := f.publisher.Compute()

	assert.Equal(t, StatusIdle, snap.Status)
	assert.False(t, snap.BackendReachable)
}

func TestCompute_PendingWhenLogNonEmpty(t *testing.T) {
	f := testPublisher(t)
	f.monitor.ReportBackendSuccess()

	rec := &models.Record{}
	require.NoError(t, f.store.Repo(models.EntityArticle).Upsert(rec, models.Article{Name: "Hex bolt"}))

	snap := f.publisher.Compute()

	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, 1, snap.PendingCount)
}

func TestCompute_SyncingWinsOverPending(t *testing.T) {
	f := testPublisher(t)
	f.state = StateSyncing

	rec := &models.Record{}
	require.NoError(t, f.store.Repo(models.EntityArticle).Upsert(rec, models.Article{Name: "Hex bolt"}))

	snap := f.publisher.Compute()
	assert.Equal(t, StatusSyncing, snap.Status)
}

func TestCompute_ErrorOnEngineHalt(t *testing.T) {
	f := testPublisher(t)
	f.state = StateError

	snap := f.publisher.Compute()
	assert.Equal(t, StatusError, snap.Status)
}

func TestCompute_ErrorOnDeadLetters(t *testing.T) {
	f := testPublisher(t)
	f.monitor.ReportBackendSuccess()

	rec := &models.Record{}
	require.NoError(t, f.store.Repo(models.EntityArticle).Upsert(rec, models.Article{Name: "Hex bolt"}))

	pending, err := f.store.Pending(models.EntityArticle)
	require.NoError(t, err)
	require.NoError(t, f.store.Reject(pending[0].Seq, "validation failed"))

	snap := f.publisher.Compute()

	assert.Equal(t, StatusError, snap.Status, "a dead letter needs attention even while idle")
	assert.Equal(t, 1, snap.DeadLettered)
}

func TestCompute_PendingRetryWithQueueShowsPending(t *testing.T) {
	f := testPublisher(t)
	f.state = StatePendingRetry

	rec := &models.Record{}
	require.NoError(t, f.store.Repo(models.EntityArticle).Upsert(rec, models.Article{Name: "Hex bolt"}))

	snap := f.publisher.Compute()
	assert.Equal(t, StatusPending, snap.Status)
}

func TestCompute_PendingRetryWithEmptyLogNotSynced(t *testing.T) {
	f := testPublisher(t)
	f.state = StatePendingRetry
	f.monitor.ReportBackendSuccess()

	// Push drained the log and refreshed reachability, then the pull
	// failed with a transport error. The backoff wait is not "synced".
	snap := f.publisher.Compute()

	assert.Equal(t, StatusPending, snap.Status)
	assert.Zero(t, snap.PendingCount)
	assert.True(t, snap.BackendReachable)
}

// --- Subscribe / Publish ---

func TestSubscribe_DeliversInitialSnapshot(t *testing.T) {
	f := testPublisher(t)

	sub := f.publisher.Subscribe()

	select {
	case snap := <-sub:
		assert.Equal(t, StatusIdle, snap.Status)
	default:
		t.Fatal("no initial snapshot delivered")
	}
}

func TestPublish_SkipsUnchangedSnapshot(t *testing.T) {
	f := testPublisher(t)

	sub := f.publisher.Subscribe()
	<-sub

	f.publisher.Publish()
	first := <-sub

	f.publisher.Publish()

	select {
	case <-sub:
		t.Fatal("unchanged snapshot republished")
	default:
	}

	assert.Equal(t, StatusIdle, first.Status)
}

func TestPublish_SlowConsumerSeesLatestState(t *testing.T) {
	f := testPublisher(t)

	sub := f.publisher.Subscribe()
	<-sub

	// Two state changes without the consumer reading in between.
	f.state = StateSyncing
	f.publisher.Publish()

	f.state = StateError
	f.publisher.Publish()

	snap := <-sub
	assert.Equal(t, StatusError, snap.Status, "stale intermediate state dropped")
}
