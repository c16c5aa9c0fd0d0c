package sql

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 rawDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return New(db), mock
}

func TestUpsertIssuesSave(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "memory_entries" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Upsert(context.Background(), &types.MemoryEntry{
		ID:       "m1",
		UserID:   1,
		Content:  "drinks coffee every morning",
		Category: types.CategoryPreference,
		Active:   true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFound(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"id", "user_id", "content", "category", "active"}).
		AddRow("m1", int64(1), "likes running", "preference", true)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "memory_entries" WHERE id = $1`)).
		WithArgs("m1").
		WillReturnRows(rows)

	got, ok, err := s.Get(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "likes running", got.Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "memory_entries" WHERE id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveByUserOrdersByImportanceDesc(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"id", "user_id", "importance", "active"}).
		AddRow("a", int64(1), 0.9, true).
		AddRow("b", int64(1), 0.2, true)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "memory_entries" WHERE user_id = $1 AND active = $2 ORDER BY importance DESC`)).
		WithArgs(int64(1), true).
		WillReturnRows(rows)

	out, err := s.ActiveByUser(context.Background(), 1, types.OrderByImportanceDesc, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateUpdatesActiveFlag(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "memory_entries" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Deactivate(context.Background(), "m1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementAccessBumpsCounter(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "memory_entries" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.IncrementAccess(context.Background(), "m1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRelationshipIssuesUpsert(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "memory_relationships" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveRelationship(context.Background(), types.Relationship{
		FromID: "a", ToID: "b", Type: types.RelationSupports, Confidence: 0.6, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRelationshipsInvolvingReturnsBothDirections(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"from_id", "to_id", "type", "confidence"}).
		AddRow("a", "b", "supports", 0.6).
		AddRow("c", "b", "contradicts", 0.9)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "memory_relationships" WHERE (from_id = $1 OR to_id = $2)`)).
		WithArgs("b", "b").
		WillReturnRows(rows)

	out, err := s.RelationshipsInvolving(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveConsolidationLogEntryIssuesInsert(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "consolidation_log"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveConsolidationLogEntry(context.Background(), types.ConsolidationLogEntry{
		ID: "log-1", Type: "supersede", SourceIDs: []string{"a"}, ResultID: "b", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsolidationLogEntriesOrdersByCreatedAtDesc(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"id", "type", "source_ids", "result_id"}).
		AddRow("log-2", "consolidate", "a,b", "c").
		AddRow("log-1", "supersede", "x", "y")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "consolidation_log" ORDER BY created_at DESC`)).
		WillReturnRows(rows)

	out, err := s.ConsolidationLogEntries(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, []string{"a", "b"}, out[0].SourceIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddingRoundTripsThroughEntity(t *testing.T) {
	entry := &types.MemoryEntry{
		ID:        "m1",
		Embedding: []float32{0.1, -0.25, 3},
		CreatedAt: time.Now(),
	}
	row := toEntity(entry)
	back := fromEntity(row)
	require.Len(t, back.Embedding, 3)
	require.InDelta(t, -0.25, back.Embedding[1], 0.0001)
}
