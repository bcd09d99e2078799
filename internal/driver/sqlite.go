package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS room_listings (
	room_id     TEXT PRIMARY KEY,
	name        TEXT    NOT NULL,
	process_id  TEXT    NOT NULL,
	clients     INTEGER NOT NULL DEFAULT 0,
	max_clients INTEGER NOT NULL DEFAULT 0,
	locked      INTEGER NOT NULL DEFAULT 0,
	private     INTEGER NOT NULL DEFAULT 0,
	unlisted    INTEGER NOT NULL DEFAULT 0,
	metadata    TEXT    NOT NULL DEFAULT '{}',
	filters     TEXT    NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_room_listings_name ON room_listings(name);
`

// SQLite 以單一 SQLite 檔案存放房間目錄
//
// 適合單機部署：程序重啟後目錄仍在，啟動時的過期清理會移除上一個程序留下的房間。
// 房間名稱在 SQL 中過濾，其餘條件（含 JSON 文字的過濾欄位）讀出後在記憶體中比對。
type SQLite struct {
	db *sql.DB
}

// NewSQLite 開啟（或建立）資料庫檔案
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc 驅動同一時間只允許一個寫入者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (d *SQLite) CreateInstance(initial Listing) *RoomCache {
	return newRoomCache(initial, d)
}

func (d *SQLite) Find(ctx context.Context, cond Conditions) ([]Listing, error) {
	query := `SELECT room_id, name, process_id, clients, max_clients, locked, private, unlisted,
		metadata, filters, created_at FROM room_listings`

	var args []any
	if name, ok := cond[FieldName].(string); ok {
		query += " WHERE name = ?"
		args = append(args, name)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	all := make([]Listing, 0)
	for rows.Next() {
		var (
			l                 Listing
			metadata, filters string
			createdAt         int64
		)
		if err := rows.Scan(&l.RoomID, &l.Name, &l.ProcessID, &l.Clients, &l.MaxClients,
			&l.Locked, &l.Private, &l.Unlisted, &metadata, &filters, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(metadata), &l.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", l.RoomID, err)
		}
		if err := json.Unmarshal([]byte(filters), &l.Filters); err != nil {
			return nil, fmt.Errorf("decode filters of %s: %w", l.RoomID, err)
		}
		all = append(all, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := filterListings(all, cond)
	sortListings(out, nil)
	return out, nil
}

func (d *SQLite) FindOne(ctx context.Context, cond Conditions, sortBy ...SortField) (*Listing, error) {
	found, err := d.Find(ctx, cond)
	if err != nil {
		return nil, err
	}
	return firstOf(found, sortBy), nil
}

func (d *SQLite) Clear(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM room_listings")
	return err
}

// Close 關閉資料庫
func (d *SQLite) Close() error {
	return d.db.Close()
}

func (d *SQLite) save(ctx context.Context, l Listing) error {
	metadata, err := json.Marshal(l.Metadata)
	if err != nil {
		return err
	}
	filters, err := json.Marshal(l.Filters)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO room_listings (room_id, name, process_id, clients, max_clients, locked,
			private, unlisted, metadata, filters, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET
			name = excluded.name,
			process_id = excluded.process_id,
			clients = excluded.clients,
			max_clients = excluded.max_clients,
			locked = excluded.locked,
			private = excluded.private,
			unlisted = excluded.unlisted,
			metadata = excluded.metadata,
			filters = excluded.filters`,
		l.RoomID, l.Name, l.ProcessID, l.Clients, l.MaxClients, l.Locked, l.Private,
		l.Unlisted, string(metadata), string(filters), l.CreatedAt.UnixNano())
	return err
}

// update 只有擁有者會寫入，直接覆寫整筆資料
func (d *SQLite) update(ctx context.Context, _ string, _ Update, after Listing) error {
	return d.save(ctx, after)
}

func (d *SQLite) remove(ctx context.Context, roomID string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM room_listings WHERE room_id = ?", roomID)
	return err
}
