package driver

import (
	"context"
	"sync"
)

// Local 記憶體內的房間目錄，只適用單一程序
type Local struct {
	mu       sync.RWMutex
	listings map[string]Listing
}

// NewLocal 創建記憶體目錄
func NewLocal() *Local {
	return &Local{listings: make(map[string]Listing)}
}

func (d *Local) CreateInstance(initial Listing) *RoomCache {
	return newRoomCache(initial, d)
}

func (d *Local) Find(_ context.Context, cond Conditions) ([]Listing, error) {
	d.mu.RLock()
	all := make([]Listing, 0, len(d.listings))
	for _, l := range d.listings {
		all = append(all, l.clone())
	}
	d.mu.RUnlock()

	out := filterListings(all, cond)
	sortListings(out, nil)
	return out, nil
}

func (d *Local) FindOne(ctx context.Context, cond Conditions, sortBy ...SortField) (*Listing, error) {
	found, err := d.Find(ctx, cond)
	if err != nil {
		return nil, err
	}
	return firstOf(found, sortBy), nil
}

func (d *Local) Clear(context.Context) error {
	d.mu.Lock()
	d.listings = make(map[string]Listing)
	d.mu.Unlock()
	return nil
}

func (d *Local) Close() error { return nil }

func (d *Local) save(_ context.Context, l Listing) error {
	d.mu.Lock()
	d.listings[l.RoomID] = l
	d.mu.Unlock()
	return nil
}

func (d *Local) update(_ context.Context, roomID string, _ Update, after Listing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listings[roomID]; ok {
		d.listings[roomID] = after
	}
	return nil
}

func (d *Local) remove(_ context.Context, roomID string) error {
	d.mu.Lock()
	delete(d.listings, roomID)
	d.mu.Unlock()
	return nil
}
