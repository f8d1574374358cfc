package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

const schemaVersion = 1

// SQLiteConfig defines the connection parameters of an SQLiteStore.
type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// OpenSQLite opens a WAL-mode SQLite pool. The PRAGMAs travel in the DSN so
// every pooled connection gets them.
func OpenSQLite(path string, cfg SQLiteConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: ping sqlite: %w", err)
	}
	return db, nil
}

// SQLiteStore implements Store on an "outbox" table.
type SQLiteStore struct {
	DB *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens path and migrates the outbox schema.
func NewSQLiteStore(path string, cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := OpenSQLite(path, cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStoreWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB migrates the schema on an existing pool, typically the
// one holding the business tables so EnqueueTx can share their transaction.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{DB: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("outbox: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var current int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_name TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at_ns INTEGER NOT NULL,
		published_at_ns INTEGER,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(published_at_ns, attempts, seq);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) Enqueue(ctx context.Context, rec Record) error {
	return insert(ctx, s.DB, rec)
}

func (s *SQLiteStore) EnqueueTx(ctx context.Context, tx *sql.Tx, rec Record) error {
	return insert(ctx, tx, rec)
}

func insert(ctx context.Context, db execer, rec Record) error {
	if rec.ID == "" || rec.EventName == "" {
		return fmt.Errorf("outbox: record id and event name required")
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("outbox: encode metadata: %w", err)
	}
	if rec.Payload == nil {
		rec.Payload = []byte{}
	}
	_, err = db.ExecContext(ctx, `
	INSERT INTO outbox (id, event_name, payload, metadata, created_at_ns)
	VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.EventName, rec.Payload, string(meta), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Pending(ctx context.Context, limit, maxAttempts int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, event_name, payload, metadata, created_at_ns, attempts, last_error
	FROM outbox
	WHERE published_at_ns IS NULL AND (? <= 0 OR attempts < ?)
	ORDER BY seq
	LIMIT ?`
	rows, err := s.DB.QueryContext(ctx, query, maxAttempts, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: query pending: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			meta      string
			createdNs int64
		)
		if err := rows.Scan(&rec.ID, &rec.EventName, &rec.Payload, &meta, &createdNs, &rec.Attempts, &rec.LastError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("outbox: decode metadata of %s: %w", rec.ID, err)
		}
		rec.CreatedAt = time.Unix(0, createdNs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at_ns = ? WHERE id = ?`, at.UnixNano(), id)
	return checkAffected(res, err, id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
	return checkAffected(res, err, id)
}

// Get returns one record by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	var (
		rec         Record
		meta        string
		createdNs   int64
		publishedNs sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
	SELECT id, event_name, payload, metadata, created_at_ns, published_at_ns, attempts, last_error
	FROM outbox WHERE id = ?`, id).
		Scan(&rec.ID, &rec.EventName, &rec.Payload, &meta, &createdNs, &publishedNs, &rec.Attempts, &rec.LastError)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(0, createdNs)
	if publishedNs.Valid {
		rec.PublishedAt = time.Unix(0, publishedNs.Int64)
	}
	return rec, nil
}

// PurgePublished deletes records published before cutoff and returns how many
// were removed.
func (s *SQLiteStore) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM outbox WHERE published_at_ns IS NOT NULL AND published_at_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func checkAffected(res sql.Result, err error, id string) error {
	if err != nil {
		return fmt.Errorf("outbox: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
