package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// columns 內建欄位 → 資料表欄位
var columns = map[string]string{
	FieldRoomID:     "room_id",
	FieldName:       "name",
	FieldProcessID:  "process_id",
	FieldClients:    "clients",
	FieldMaxClients: "max_clients",
	FieldLocked:     "locked",
	FieldPrivate:    "private",
	FieldUnlisted:   "unlisted",
	FieldMetadata:   "metadata",
	FieldCreatedAt:  "created_at",
}

const selectListing = `SELECT room_id, name, process_id, clients, max_clients, locked, private,
	unlisted, metadata, filters, created_at FROM room_listings`

// Postgres 以 PostgreSQL 存放房間目錄
//
// 系統設計考量：
//
//  1. 過濾欄位
//     FilterBy 的欄位存成 JSONB，用 @> 包含查詢，GIN 索引支援。
//
//  2. 增量更新
//     clients 的 $inc 直接寫成 clients = clients + n，不依賴本地副本。
//
// 資料表由 internal/migrations 建立。
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 創建 PostgreSQL 目錄；pool 由呼叫端負責關閉
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (d *Postgres) CreateInstance(initial Listing) *RoomCache {
	return newRoomCache(initial, d)
}

// buildWhere 把查詢條件轉成 WHERE 子句與參數
func buildWhere(cond Conditions, args []any) (string, []any, error) {
	var (
		clauses  []string
		filters  = map[string]any{}
		metadata = map[string]any{}
	)

	// 固定順序，讓產生的 SQL 可預測
	keys := make([]string, 0, len(cond))
	for k := range cond {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		value := cond[field]
		if key, ok := metadataKey(field); ok {
			metadata[key] = value
			continue
		}
		if !isBuiltin(field) {
			filters[field] = value
			continue
		}
		if field == FieldClients || field == FieldMaxClients {
			n, ok := toFloat(value)
			if !ok {
				return "", nil, fmt.Errorf("invalid value %v for %s", value, field)
			}
			value = int(n)
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", columns[field], len(args)))
	}

	for _, c := range []struct {
		column string
		values map[string]any
	}{{"filters", filters}, {"metadata", metadata}} {
		if len(c.values) == 0 {
			continue
		}
		data, err := json.Marshal(c.values)
		if err != nil {
			return "", nil, err
		}
		args = append(args, string(data))
		clauses = append(clauses, fmt.Sprintf("%s @> $%d::jsonb", c.column, len(args)))
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// buildOrderBy 排序；metadata.<key> 以 metadata 中的值排序，其餘非內建欄位以 filters 中的值排序
func buildOrderBy(sortBy []SortField, args []any) (string, []any) {
	parts := make([]string, 0, len(sortBy)+2)
	for _, s := range sortBy {
		expr, ok := columns[s.Field]
		if key, isMeta := metadataKey(s.Field); isMeta {
			args = append(args, key)
			expr = fmt.Sprintf("metadata -> $%d::text", len(args))
		} else if !ok || s.Field == FieldMetadata {
			args = append(args, s.Field)
			expr = fmt.Sprintf("filters -> $%d::text", len(args))
		}
		if s.Desc {
			expr += " DESC"
		}
		parts = append(parts, expr)
	}
	parts = append(parts, "created_at", "room_id")
	return " ORDER BY " + strings.Join(parts, ", "), args
}

func (d *Postgres) Find(ctx context.Context, cond Conditions) ([]Listing, error) {
	where, args, err := buildWhere(cond, nil)
	if err != nil {
		return nil, err
	}
	orderBy, args := buildOrderBy(nil, args)

	rows, err := d.pool.Query(ctx, selectListing+where+orderBy, args...)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	out := make([]Listing, 0)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (d *Postgres) FindOne(ctx context.Context, cond Conditions, sortBy ...SortField) (*Listing, error) {
	where, args, err := buildWhere(cond, nil)
	if err != nil {
		return nil, err
	}
	orderBy, args := buildOrderBy(sortBy, args)

	row := d.pool.QueryRow(ctx, selectListing+where+orderBy+" LIMIT 1", args...)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var (
		l                 Listing
		metadata, filters []byte
	)
	err := row.Scan(&l.RoomID, &l.Name, &l.ProcessID, &l.Clients, &l.MaxClients, &l.Locked,
		&l.Private, &l.Unlisted, &metadata, &filters, &l.CreatedAt)
	if err != nil {
		return Listing{}, err
	}
	if err := json.Unmarshal(metadata, &l.Metadata); err != nil {
		return Listing{}, fmt.Errorf("decode metadata of %s: %w", l.RoomID, err)
	}
	if err := json.Unmarshal(filters, &l.Filters); err != nil {
		return Listing{}, fmt.Errorf("decode filters of %s: %w", l.RoomID, err)
	}
	return l, nil
}

func (d *Postgres) Clear(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, "DELETE FROM room_listings")
	return err
}

func (d *Postgres) Close() error { return nil }

func (d *Postgres) save(ctx context.Context, l Listing) error {
	metadata, err := json.Marshal(l.Metadata)
	if err != nil {
		return err
	}
	filters, err := json.Marshal(l.Filters)
	if err != nil {
		return err
	}

	_, err = d.pool.Exec(ctx, `
		INSERT INTO room_listings (room_id, name, process_id, clients, max_clients, locked,
			private, unlisted, metadata, filters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11)
		ON CONFLICT (room_id) DO UPDATE SET
			name = EXCLUDED.name,
			process_id = EXCLUDED.process_id,
			clients = EXCLUDED.clients,
			max_clients = EXCLUDED.max_clients,
			locked = EXCLUDED.locked,
			private = EXCLUDED.private,
			unlisted = EXCLUDED.unlisted,
			metadata = EXCLUDED.metadata,
			filters = EXCLUDED.filters`,
		l.RoomID, l.Name, l.ProcessID, l.Clients, l.MaxClients, l.Locked,
		l.Private, l.Unlisted, string(metadata), string(filters), l.CreatedAt)
	return err
}

func (d *Postgres) update(ctx context.Context, roomID string, u Update, _ Listing) error {
	var (
		sets []string
		args []any
	)

	fields := make([]string, 0, len(u.Set))
	for f := range u.Set {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		col, ok := columns[field]
		if !ok {
			return fmt.Errorf("field %q cannot be set", field)
		}
		value := u.Set[field]
		if field == FieldMetadata {
			data, err := json.Marshal(value)
			if err != nil {
				return err
			}
			args = append(args, string(data))
			sets = append(sets, fmt.Sprintf("%s = $%d::jsonb", col, len(args)))
			continue
		}
		if n, ok := toFloat(value); ok {
			value = int(n)
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	for field, delta := range u.Inc {
		col, ok := columns[field]
		if !ok {
			return fmt.Errorf("field %q cannot be incremented", field)
		}
		args = append(args, delta)
		sets = append(sets, fmt.Sprintf("%s = %s + $%d", col, col, len(args)))
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, roomID)
	query := fmt.Sprintf("UPDATE room_listings SET %s WHERE room_id = $%d",
		strings.Join(sets, ", "), len(args))
	_, err := d.pool.Exec(ctx, query, args...)
	return err
}

func (d *Postgres) remove(ctx context.Context, roomID string) error {
	_, err := d.pool.Exec(ctx, "DELETE FROM room_listings WHERE room_id = $1", roomID)
	return err
}
