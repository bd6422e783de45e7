package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/reliefmap/locus/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedCacheRepository_GetAndPut(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewFeedCacheRepository(mock)
	modified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery("FROM feed_cache WHERE name").
		WithArgs("Shelters").
		WillReturnRows(mock.NewRows([]string{"name", "url", "payload", "modified_on"}).
			AddRow("Shelters", "http://example.org/s.kml", []byte("<kml/>"), modified))
	mock.ExpectQuery("FROM feed_cache WHERE name").
		WithArgs("Missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO feed_cache").
		WithArgs("Shelters", "http://example.org/s.kml", []byte("<kml></kml>"), modified).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	entry, err := repo.Get(context.Background(), "Shelters")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("<kml/>"), entry.Payload)
	assert.Equal(t, modified, entry.ModifiedOn)

	missing, err := repo.Get(context.Background(), "Missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = repo.Put(context.Background(), &models.FeedCacheEntry{
		Name: "Shelters", URL: "http://example.org/s.kml", Payload: []byte("<kml></kml>"), ModifiedOn: modified,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
