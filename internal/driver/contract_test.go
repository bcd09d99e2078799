package driver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
)

// runContract 所有 Driver 實作都必須通過的行為測試
//
// newDriver 每次呼叫都要回傳內容為空的目錄。
func runContract(t *testing.T, newDriver func(t *testing.T) driver.Driver) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	listing := func(id, name string, clients int, offset time.Duration) driver.Listing {
		return driver.Listing{
			RoomID:     id,
			Name:       name,
			ProcessID:  "proc-a",
			Clients:    clients,
			MaxClients: 4,
			CreatedAt:  base.Add(offset),
		}
	}

	t.Run("UnsavedInstanceIsInvisible", func(t *testing.T) {
		d := newDriver(t)
		ctx := context.Background()

		cache := d.CreateInstance(listing("r1", "battle", 0, 0))
		found, err := d.Find(ctx, driver.Conditions{})
		require.NoError(t, err)
		assert.Empty(t, found)

		require.NoError(t, cache.Save(ctx))
		found, err = d.Find(ctx, driver.Conditions{driver.FieldName: "battle"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "r1", found[0].RoomID)
	})

	t.Run("FindByBuiltinAndFilterFields", func(t *testing.T) {
		d := newDriver(t)
		ctx := context.Background()

		easy := listing("r1", "battle", 0, 0)
		easy.Filters = map[string]any{"mode": "easy"}
		hard := listing("r2", "battle", 0, time.Second)
		hard.Filters = map[string]any{"mode": "hard"}
		hard.Locked = true

		for _, l := range []driver.Listing{easy, hard} {
			require.NoError(t, d.CreateInstance(l).Save(ctx))
		}

		found, err := d.Find(ctx, driver.Conditions{driver.FieldName: "battle", "mode": "easy"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "r1", found[0].RoomID)

		found, err = d.Find(ctx, driver.Conditions{driver.FieldLocked: true})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "r2", found[0].RoomID)

		found, err = d.Find(ctx, driver.Conditions{driver.FieldName: "chat"})
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("FindAndSortByMetadataKey", func(t *testing.T) {
		d := newDriver(t)
		ctx := context.Background()

		low := listing("r1", "battle", 0, 0)
		low.Metadata = map[string]any{"region": "eu", "rank": 10}
		high := listing("r2", "battle", 0, time.Second)
		high.Metadata = map[string]any{"region": "eu", "rank": 30}
		other := listing("r3", "battle", 0, 2*time.Second)
		other.Metadata = map[string]any{"region": "us", "rank": 20}
		for _, l := range []driver.Listing{low, high, other} {
			require.NoError(t, d.CreateInstance(l).Save(ctx))
		}

		found, err := d.Find(ctx, driver.Conditions{driver.MetadataPrefix + "region": "eu"})
		require.NoError(t, err)
		ids := make([]string, 0, len(found))
		for _, l := range found {
			ids = append(ids, l.RoomID)
		}
		assert.ElementsMatch(t, []string{"r1", "r2"}, ids)

		// 同名的 filter 欄位不存在，不會誤配
		found, err = d.Find(ctx, driver.Conditions{"region": "eu"})
		require.NoError(t, err)
		assert.Empty(t, found)

		best, err := d.FindOne(ctx, driver.Conditions{driver.MetadataPrefix + "region": "eu"},
			driver.SortField{Field: driver.MetadataPrefix + "rank", Desc: true})
		require.NoError(t, err)
		require.NotNil(t, best)
		assert.Equal(t, "r2", best.RoomID)
	})

	t.Run("FindOneHonoursSortOrder", func(t *testing.T) {
		d := newDriver(t)
		ctx := context.Background()

		require.NoError(t, d.CreateInstance(listing("r1", "battle", 1, 0)).Save(ctx))
		require.NoError(t, d.CreateInstance(listing("r2", "battle", 3, time.Second)).Save(ctx))
		require.NoError(t, d.CreateInstance(listing("r3", "battle", 2, 2*time.Second)).Save(ctx))

		first, err := d.FindOne(ctx, driver.Conditions{driver.FieldName: "battle"})
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "r1", first.RoomID, "default order is creation time")

		most, err := d.FindOne(ctx, driver.Conditions{driver.FieldName: "battle"},
			driver.SortField{Field: driver.FieldClients, Desc: true})
		require.NoError(t, err)
		require.NotNil(t, most)
		assert.Equal(t, "r2", most.RoomID)

		none, err := d.FindOne(ctx, driver.Conditions{driver.FieldName: "missing"})
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("UpdateOneIncrementsAndSets", func(t *testing.T) {
		d := newDriver(t)
		ctx := context.Background()

		cache := d.CreateInstance(listing("r1", "battle", 0, 0))
		require.NoError(t, cache.Save(ctx))

		require.NoError(t, cache.UpdateOne(ctx, driver.Update{Inc: map[string]int{driver.FieldClients: 1}}))
		require.NoError(t, cache.UpdateOne(ctx, driver.Update{Inc: map[string]int{driver.FieldClients: 1}}))
		require.NoError(t, cache.UpdateOne(ctx, driver.Update{Set: map[string]any{
			driver.FieldLocked:   true,
			driver.FieldMetadata: map[string]any{"map": "desert"},
		}}))

		assert.Equal(t, 2, cache.Listing().Clients)

		stored, err := d.FindOne(ctx, driver.Conditions{driver.FieldRoomID: "r1"})
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, 2, stored.Clients)
		assert.True(t, stored.Locked)
		assert.Equal(t, "desert", stored.Metadata["map"])
	})

	t.Run("RemovedListingIsNotResaved", func(t *testing.T) {
		d := newDriver(t)
		ctx := context.Background()

		cache := d.CreateInstance(listing("r1", "battle", 0, 0))
		require.NoError(t, cache.Save(ctx))
		require.NoError(t, cache.Remove(ctx))

		require.NoError(t, cache.UpdateOne(ctx, driver.Update{Inc: map[string]int{driver.FieldClients: 1}}))
		require.NoError(t, cache.Save(ctx))

		found, err := d.Find(ctx, driver.Conditions{})
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("Clear", func(t *testing.T) {
		d := newDriver(t)
		ctx := context.Background()

		require.NoError(t, d.CreateInstance(listing("r1", "battle", 0, 0)).Save(ctx))
		require.NoError(t, d.Clear(ctx))

		found, err := d.Find(ctx, driver.Conditions{})
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}
