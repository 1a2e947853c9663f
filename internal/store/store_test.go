package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fjg67/IT-Inventory-sub000/internal/errors"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedSite creates a live site record and returns its local id.
func seedSite(t *testing.T, s *Store, name string) string {
	t.Helper()
	rec := &models.Record{}
	require.NoError(t, s.Repo(models.EntitySite).Upsert(rec, models.Site{Name: name}))
	return rec.LocalID
}

// seedArticle creates a live article record and returns its local id.
func seedArticle(t *testing.T, s *Store, name string) string {
	t.Helper()
	rec := &models.Record{}
	require.NoError(t, s.Repo(models.EntityArticle).Upsert(rec, models.Article{Name: name, Reference: name}))
	return rec.LocalID
}

// seedMovement creates a movement against an existing article and site.
func seedMovement(t *testing.T, s *Store, m models.StockMovement) string {
	t.Helper()
	rec := &models.Record{}
	require.NoError(t, s.Repo(models.EntityStockMovement).Upsert(rec, m))
	return rec.LocalID
}

func mustPayload(t *testing.T, payload any) []byte {
	t.Helper()
	raw, err := models.EncodePayload(payload)
	require.NoError(t, err)
	return raw
}

// drainLog acks every pending mutation, leaving records untouched.
func drainLog(t *testing.T, s *Store) {
	t.Helper()
	for _, entity := range models.EntityTypes() {
		pending, err := s.Pending(entity)
		require.NoError(t, err)
		for _, m := range pending {
			require.NoError(t, s.Ack(m.Seq))
		}
	}
}

// --- Open ---

func TestOpen_CreatesNestedDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "store.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_ReopensExistingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s1, err := Open(path)
	require.NoError(t, err)
	siteID := seedSite(t, s1, "Depot Nord")
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.Repo(models.EntitySite).Get(siteID)
	require.NoError(t, err)
	assert.Equal(t, siteID, rec.LocalID)
}

// --- Watermarks ---

func TestWatermark_ZeroByDefault(t *testing.T) {
	s := testStore(t)
	w, err := s.Watermark(models.EntityArticle)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w)
}

func TestSetWatermark_RoundTrip(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.SetWatermark(models.EntityArticle, 42))

	w, err := s.Watermark(models.EntityArticle)
	require.NoError(t, err)
	assert.Equal(t, int64(42), w)
}

func TestWatermark_IsolatedPerEntityType(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.SetWatermark(models.EntityArticle, 10))
	require.NoError(t, s.SetWatermark(models.EntitySite, 20))

	wa, _ := s.Watermark(models.EntityArticle)
	ws, _ := s.Watermark(models.EntitySite)
	assert.Equal(t, int64(10), wa)
	assert.Equal(t, int64(20), ws)
}

// --- Conflict audit trail ---

func TestAppendConflict_AssignsSequenceAndOrders(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.AppendConflict(ConflictRecord{
		Entity: models.EntityArticle, LocalID: "a1", Winner: "remote", Reason: "first",
		At: time.Now().UTC(),
	}))
	require.NoError(t, s.AppendConflict(ConflictRecord{
		Entity: models.EntityArticle, LocalID: "a2", Winner: "local", Reason: "second",
		At: time.Now().UTC(),
	}))

	conflicts, err := s.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, "first", conflicts[0].Reason)
	assert.Equal(t, "second", conflicts[1].Reason)
	assert.Less(t, conflicts[0].Seq, conflicts[1].Seq)
}

// --- Remote id index ---

func TestGetByRemoteID_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetByRemoteID(models.EntityArticle, "srv-unknown")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetByRemoteID_AfterPushResult(t *testing.T) {
	s := testStore(t)
	articleID := seedArticle(t, s, "Hex bolt")

	require.NoError(t, s.RecordPushResult(models.EntityArticle, articleID, "srv-9", 5))

	rec, err := s.GetByRemoteID(models.EntityArticle, "srv-9")
	require.NoError(t, err)
	assert.Equal(t, articleID, rec.LocalID)
	assert.Equal(t, "srv-9", rec.RemoteID)
	assert.Equal(t, int64(5), rec.Revision)
}

// --- RecordPushResult ---

func TestRecordPushResult_RevisionOnlyMovesForward(t *testing.T) {
	s := testStore(t)
	articleID := seedArticle(t, s, "Hex bolt")

	require.NoError(t, s.RecordPushResult(models.EntityArticle, articleID, "srv-9", 7))
	require.NoError(t, s.RecordPushResult(models.EntityArticle, articleID, "", 3))

	rec, err := s.Repo(models.EntityArticle).Get(articleID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.Revision)
	assert.Equal(t, "srv-9", rec.RemoteID, "remote id survives an empty update")
}

func TestRecordPushResult_UnknownRecord(t *testing.T) {
	s := testStore(t)
	err := s.RecordPushResult(models.EntityArticle, "missing", "srv-1", 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// --- FindMovementByKey ---

func TestFindMovementByKey(t *testing.T) {
	s := testStore(t)
	siteID := seedSite(t, s, "Depot")
	articleID := seedArticle(t, s, "Hex bolt")

	movementID := seedMovement(t, s, models.StockMovement{
		ArticleID:      articleID,
		SiteID:         siteID,
		Kind:           models.MovementEntry,
		Quantity:       5,
		IdempotencyKey: "key-abc",
		OccurredAt:     time.Now().UTC(),
	})

	found, err := s.FindMovementByKey("key-abc")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, movementID, found.LocalID)

	missing, err := s.FindMovementByKey("key-other")
	require.NoError(t, err)
	assert.Nil(t, missing)

	empty, err := s.FindMovementByKey("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}
