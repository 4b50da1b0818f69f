package storage

import (
	"context"
	"gatekeeper/internal/models"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "bans.db")
	store, err := NewSQLiteStore(Config{ConnectionString: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dsn
}

func TestSQLiteStore(t *testing.T) {
	store, _ := newSQLiteTestStore(t)
	runBanStoreTests(t, store)
}

func TestSQLiteStore_RequiresDSN(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	store, dsn := newSQLiteTestStore(t)
	ctx := context.Background()

	ban := models.NewBan("192.0.2.44", models.BanKindTemporary, "burst", time.Now(), 30*time.Minute)
	require.NoError(t, store.SaveBan(ctx, ban))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(Config{ConnectionString: dsn})
	require.NoError(t, err)
	defer reopened.Close()

	bans, err := reopened.LoadBans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, ban.ID, bans[0].ID)
	require.NotNil(t, bans[0].ExpiresAt)
	assert.True(t, ban.ExpiresAt.Equal(*bans[0].ExpiresAt))
}
