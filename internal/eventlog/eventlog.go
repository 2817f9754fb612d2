// Package eventlog 把已提交的事件写入 SQLite，供 API 查询
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nestfolio/nestfolio/internal/events"
)

// Log SQLite 事件日志，实现 events.Sink
type Log struct {
	db *sql.DB
}

var _ events.Sink = (*Log)(nil)

// Open 打开（或创建）事件库；path 为 ":memory:" 时使用内存库
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, errors.New("eventlog: db path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func (l *Log) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS events (
  seq INTEGER PRIMARY KEY,
  call_id TEXT NOT NULL,
  name TEXT NOT NULL,
  created_at TEXT NOT NULL,
  data_json TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_events_call ON events(call_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_name ON events(name);`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Publish 在一个事务内写入 records
func (l *Log) Publish(ctx context.Context, records []events.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (seq, call_id, name, created_at, data_json)
VALUES (?,?,?,?,?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Seq, r.CallID, r.Name, r.Time.UTC().Format(time.RFC3339Nano), string(r.Data)); err != nil {
			return fmt.Errorf("insert event %d: %w", r.Seq, err)
		}
	}
	return tx.Commit()
}

// Filter Recent 的查询条件；零值表示不限
type Filter struct {
	Name   string
	CallID string
	Limit  int
}

// Recent 最近的事件，按 seq 倒序
func (l *Log) Recent(ctx context.Context, f Filter) ([]events.Record, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT seq, call_id, name, created_at, data_json
FROM events
WHERE (? = '' OR name = ?) AND (? = '' OR call_id = ?)
ORDER BY seq DESC
LIMIT ?
`, f.Name, f.Name, f.CallID, f.CallID, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Record
	for rows.Next() {
		var (
			r         events.Record
			createdAt string
			data      string
		)
		if err := rows.Scan(&r.Seq, &r.CallID, &r.Name, &createdAt, &data); err != nil {
			return nil, err
		}
		r.Time, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.Data = []byte(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastSeq 已写入的最大序号，空库返回 0
func (l *Log) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
