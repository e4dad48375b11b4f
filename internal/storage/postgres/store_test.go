package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/polldata/crawlerd/internal/crawler"
)

func TestSaveRecordsBatchesInserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	records := []crawler.Record{
		{ID: "id-1", Source: "https://api.example.com/posts", Title: "first", Content: "alpha", ContentHash: "h1", FetchedAt: now},
		{ID: "id-2", Source: "https://api.example.com/posts", Title: "second", Content: "beta", ContentHash: "h2", FetchedAt: now},
	}

	batch := mock.ExpectBatch()
	for _, rec := range records {
		batch.ExpectExec("INSERT INTO records").
			WithArgs(rec.ID, rec.Source, rec.Title, rec.Content, rec.ContentHash, rec.FetchedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, store.SaveRecords(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsEmptySliceSkipsRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "records")
	require.NoError(t, err)

	require.NoError(t, store.SaveRecords(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordsWrapsInsertError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.Record{ID: "id-1", Source: "src", ContentHash: "h1", FetchedAt: now}

	batch := mock.ExpectBatch()
	batch.ExpectExec("INSERT INTO records").
		WithArgs(rec.ID, rec.Source, rec.Title, rec.Content, rec.ContentHash, rec.FetchedAt).
		WillReturnError(errors.New("duplicate key"))

	err = store.SaveRecords(context.Background(), []crawler.Record{rec})
	require.Error(t, err)
	require.Contains(t, err.Error(), "insert record")
}

func TestDeleteOlderThanReportsRowCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "records")
	require.NoError(t, err)

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM records").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 42))

	deleted, err := store.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(42), deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "records")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "records; DROP TABLE records")
	require.Error(t, err)

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "records", store.table)
}
