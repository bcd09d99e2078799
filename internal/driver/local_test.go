package driver_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
)

func TestLocalContract(t *testing.T) {
	runContract(t, func(t *testing.T) driver.Driver {
		return driver.NewLocal()
	})
}

func TestSQLiteContract(t *testing.T) {
	runContract(t, func(t *testing.T) driver.Driver {
		d, err := driver.NewSQLite(filepath.Join(t.TempDir(), "listings.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })
		return d
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "listings.db")
	ctx := context.Background()

	first, err := driver.NewSQLite(path)
	require.NoError(t, err)
	cache := first.CreateInstance(driver.Listing{
		RoomID:    "r1",
		Name:      "battle",
		ProcessID: "dead-proc",
		Filters:   map[string]any{"mode": "ranked", "level": 3.0},
		CreatedAt: time.Now(),
	})
	require.NoError(t, cache.Save(ctx))
	require.NoError(t, first.Close())

	second, err := driver.NewSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	found, err := second.Find(ctx, driver.Conditions{"mode": "ranked", "level": 3})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "dead-proc", found[0].ProcessID)
}

func TestListingMatches(t *testing.T) {
	l := driver.Listing{
		RoomID:  "r1",
		Name:    "battle",
		Clients: 2,
		Filters: map[string]any{"mode": "easy", "level": float64(3)},
	}

	tests := []struct {
		name string
		cond driver.Conditions
		want bool
	}{
		{"empty conditions", driver.Conditions{}, true},
		{"name", driver.Conditions{driver.FieldName: "battle"}, true},
		{"int vs float filter", driver.Conditions{"level": 3}, true},
		{"int builtin vs float", driver.Conditions{driver.FieldClients: 2.0}, true},
		{"wrong filter", driver.Conditions{"mode": "hard"}, false},
		{"missing filter", driver.Conditions{"region": "eu"}, false},
		{"type mismatch", driver.Conditions{driver.FieldLocked: "false"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Matches(tt.cond))
		})
	}
}

func TestUpdateOneBeforeSaveStaysLocal(t *testing.T) {
	d := driver.NewLocal()
	ctx := context.Background()

	cache := d.CreateInstance(driver.Listing{RoomID: "r1", Name: "battle"})
	require.NoError(t, cache.UpdateOne(ctx, driver.Update{Set: map[string]any{driver.FieldPrivate: true}}))
	assert.True(t, cache.Listing().Private)

	found, err := d.Find(ctx, driver.Conditions{})
	require.NoError(t, err)
	assert.Empty(t, found)

	require.NoError(t, cache.Save(ctx))
	found, err = d.Find(ctx, driver.Conditions{driver.FieldPrivate: true})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestUpdateOneRejectsUnknownField(t *testing.T) {
	cache := driver.NewLocal().CreateInstance(driver.Listing{RoomID: "r1"})

	err := cache.UpdateOne(context.Background(), driver.Update{Set: map[string]any{"bogus": 1}})
	assert.Error(t, err)

	err = cache.UpdateOne(context.Background(), driver.Update{Set: map[string]any{driver.FieldLocked: "yes"}})
	assert.Error(t, err)
}
