// Package sqlitestore 把记录集保存在 sqlite 中，meta.revision 作为乐观锁版本。
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/store"

	_ "modernc.org/sqlite"
)

// Backend wraps a sqlite database holding the confirmation record set.
type Backend struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the sqlite database.
func Open(path string) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Backend{db: db, path: path}, nil
}

// Close closes the underlying db.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *Backend) handle() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, fmt.Errorf("sqlite store is closed")
	}
	return b.db, nil
}

func (b *Backend) Load(ctx context.Context) (store.Snapshot, error) {
	db, err := b.handle()
	if err != nil {
		return store.Snapshot{}, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer tx.Rollback()
	rev, err := readRevision(ctx, tx)
	if err != nil {
		return store.Snapshot{}, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, body FROM confirmations`)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer rows.Close()
	records := make(map[string]confirm.Record)
	for rows.Next() {
		var (
			id   string
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return store.Snapshot{}, err
		}
		var rec confirm.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode confirmation %s: %w", id, err)
		}
		rec.ID = id
		records[id] = rec
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Version: strconv.FormatInt(rev, 10), Records: records}, nil
}

// Save 在 BEGIN IMMEDIATE 事务中校验 revision 后整集替换。
func (b *Backend) Save(ctx context.Context, records map[string]confirm.Record, expected string) (version string, err error) {
	db, err := b.handle()
	if err != nil {
		return "", err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	rev, err := readRevision(ctx, conn)
	if err != nil {
		return "", err
	}
	if strconv.FormatInt(rev, 10) != expected {
		return "", store.ErrConflict
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM confirmations`); err != nil {
		return "", err
	}
	now := time.Now().UnixMilli()
	for id, rec := range records {
		body, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("encode confirmation %s: %w", id, err)
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO confirmations(id, status, body, updated_at) VALUES (?, ?, ?, ?)`,
			id, string(rec.Status), string(body), now); err != nil {
			return "", err
		}
	}
	next := rev + 1
	if _, err := conn.ExecContext(ctx,
		`INSERT INTO meta(k, v) VALUES ('revision', ?) ON CONFLICT(k) DO UPDATE SET v=excluded.v`, next); err != nil {
		return "", err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return "", err
	}
	committed = true
	return strconv.FormatInt(next, 10), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readRevision(ctx context.Context, q queryer) (int64, error) {
	var rev int64
	err := q.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'revision'`).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return rev, err
}

func ensureSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS confirmations (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		k TEXT PRIMARY KEY,
		v INTEGER NOT NULL
	);`
	_, err := db.Exec(stmt)
	return err
}
