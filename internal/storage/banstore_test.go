package storage

import (
	"context"
	"gatekeeper/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBanStoreTests exercises the BanStore contract against any backend.
func runBanStoreTests(t *testing.T, store BanStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	t.Run("empty store", func(t *testing.T) {
		bans, err := store.LoadBans(ctx)
		require.NoError(t, err)
		assert.Empty(t, bans)
	})

	t.Run("save and load", func(t *testing.T) {
		perm := models.NewBan("203.0.113.7", models.BanKindPermanent, "abuse", now, 0)
		temp := models.NewBan("198.51.100.1", models.BanKindTemporary, "ddos", now, time.Hour)

		require.NoError(t, store.SaveBan(ctx, perm))
		require.NoError(t, store.SaveBan(ctx, temp))

		bans, err := store.LoadBans(ctx)
		require.NoError(t, err)
		require.Len(t, bans, 2)

		// Ordered by IP
		assert.Equal(t, "198.51.100.1", bans[0].IP)
		assert.Equal(t, models.BanKindTemporary, bans[0].Kind)
		assert.Equal(t, "ddos", bans[0].Reason)
		require.NotNil(t, bans[0].ExpiresAt)
		assert.WithinDuration(t, now.Add(time.Hour), *bans[0].ExpiresAt, time.Second)

		assert.Equal(t, "203.0.113.7", bans[1].IP)
		assert.Equal(t, perm.ID, bans[1].ID)
		assert.Nil(t, bans[1].ExpiresAt)
		assert.WithinDuration(t, now, bans[1].CreatedAt, time.Second)
	})

	t.Run("save replaces existing ban", func(t *testing.T) {
		updated := models.NewBan("203.0.113.7", models.BanKindTemporary, "cooldown", now, 10*time.Minute)
		require.NoError(t, store.SaveBan(ctx, updated))

		bans, err := store.LoadBans(ctx)
		require.NoError(t, err)
		require.Len(t, bans, 2)
		assert.Equal(t, models.BanKindTemporary, bans[1].Kind)
		assert.Equal(t, "cooldown", bans[1].Reason)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeleteBan(ctx, "203.0.113.7"))
		require.NoError(t, store.DeleteBan(ctx, "203.0.113.7"), "deleting a missing ban is not an error")

		bans, err := store.LoadBans(ctx)
		require.NoError(t, err)
		require.Len(t, bans, 1)
		assert.Equal(t, "198.51.100.1", bans[0].IP)
	})

	t.Run("invalid ban", func(t *testing.T) {
		assert.ErrorIs(t, store.SaveBan(ctx, &models.Ban{Kind: models.BanKindPermanent}), ErrInvalidBan)
		assert.ErrorIs(t, store.SaveBan(ctx, &models.Ban{IP: "10.0.0.1", Kind: "forever"}), ErrInvalidBan)
		assert.ErrorIs(t, store.SaveBan(ctx, nil), ErrInvalidBan)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}
