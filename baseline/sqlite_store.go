package baseline

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

const (
	sqliteBusyCode          = 5
	sqliteNotADBCode        = 26
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLStore keeps records in a SQLite database, one row per (tenant, identity).
type SQLStore struct {
	db     *sql.DB
	path   string
	layout Layout
	mu     sync.Mutex
}

// OpenSQLStore opens or creates the database at opts.Path.
func OpenSQLStore(opts Options) (*SQLStore, error) {
	layout := opts.Layout
	if layout == "" {
		layout = LayoutTenants
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, writeErr("create store directory", err)
		}
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			if isNotADatabase(execErr) {
				return nil, corruptf("%s: %v", opts.Path, execErr)
			}
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLStore{db: db, path: opts.Path, layout: layout}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		if isNotADatabase(err) {
			return corruptf("%s: %v", s.path, err)
		}
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return corruptf("read schema version: %v", err)
	}
	if version != schemaVersion {
		return corruptf("database has schema version %d, expected %d", version, schemaVersion)
	}

	var layout string
	err = s.db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = 'layout'").Scan(&layout)
	if err != nil {
		return corruptf("read store layout: %v", err)
	}
	if Layout(layout) != s.layout {
		return fmt.Errorf("%w: database has %q, configured %q", ErrLayoutMismatch, layout, s.layout)
	}
	return nil
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return writeErr("create schema", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return writeErr("record schema version", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO store_meta (key, value) VALUES ('layout', ?)", string(s.layout)); err != nil {
		return writeErr("record store layout", err)
	}
	if err := tx.Commit(); err != nil {
		return writeErr("commit schema", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, tenant string) (*Collection, error) {
	tenant, err := checkTenant(s.layout, tenant)
	if err != nil {
		return nil, err
	}
	ctx = ensureContext(ctx)
	var coll *Collection
	err = retryOnBusy(ctx, func() error {
		var loadErr error
		coll, loadErr = loadTenant(ctx, s.db, tenant)
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	return coll, nil
}

func (s *SQLStore) Save(ctx context.Context, tenant string, c *Collection) error {
	if c == nil {
		return fmt.Errorf("nil collection")
	}
	return s.Update(ctx, tenant, func(current *Collection) error {
		current.Records = c.Clone().Records
		return nil
	})
}

func (s *SQLStore) Update(ctx context.Context, tenant string, fn func(c *Collection) error) error {
	tenant, err := checkTenant(s.layout, tenant)
	if err != nil {
		return err
	}
	ctx = ensureContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	var fnErr error
	err = retryOnBusy(ctx, func() error {
		fnErr = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		coll, err := loadTenant(ctx, tx, tenant)
		if err != nil {
			return err
		}
		if err := fn(coll); err != nil {
			fnErr = err
			return nil
		}
		if err := coll.Validate(); err != nil {
			fnErr = fmt.Errorf("refusing to save tenant %q: %w", tenant, err)
			return nil
		}
		if err := replaceTenant(ctx, tx, tenant, coll); err != nil {
			return err
		}
		return tx.Commit()
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		if errors.Is(err, ErrStoreCorrupt) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return writeErr("update tenant "+tenant, err)
	}
	return nil
}

func (s *SQLStore) Tenants(ctx context.Context) ([]string, error) {
	ctx = ensureContext(ctx)
	var names []string
	err := retryOnBusy(ctx, func() error {
		names = names[:0]
		rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT tenant FROM records ORDER BY tenant")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return names, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadTenant(ctx context.Context, q queryer, tenant string) (*Collection, error) {
	rows, err := q.QueryContext(ctx, `SELECT identity, path, digests, created_at, size,
        mod_time, change_time, mime_type, similarity
        FROM records WHERE tenant = ? ORDER BY position`, tenant)
	if err != nil {
		if isNotADatabase(err) {
			return nil, corruptf("load tenant %q: %v", tenant, err)
		}
		return nil, err
	}
	defer rows.Close()

	coll := NewCollection(tenant)
	for rows.Next() {
		var (
			rec                             Record
			digests, createdAt              string
			modTime, changeTime, mime, simi sql.NullString
		)
		if err := rows.Scan(&rec.Identity, &rec.Path, &digests, &createdAt, &rec.Size,
			&modTime, &changeTime, &mime, &simi); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(digests), &rec.Digests); err != nil {
			return nil, corruptf("record %q digests: %v", rec.Identity, err)
		}
		rec.CreatedAt = parseStoredTime(createdAt)
		rec.ModTime = parseStoredTime(modTime.String)
		rec.ChangeTime = parseStoredTime(changeTime.String)
		rec.MimeType = mime.String
		rec.Similarity = simi.String
		if err := rec.Validate(); err != nil {
			return nil, corruptf("tenant %q: %v", tenant, err)
		}
		coll.Records = append(coll.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return coll, nil
}

func replaceTenant(ctx context.Context, tx *sql.Tx, tenant string, coll *Collection) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE tenant = ?", tenant); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (
            tenant, identity, path, digests, created_at, size,
            mod_time, change_time, mime_type, similarity, position
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rec := range coll.Records {
		digests, err := json.Marshal(rec.Digests)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			tenant,
			rec.Identity,
			rec.Path,
			string(digests),
			formatStoredTime(rec.CreatedAt),
			rec.Size,
			nullString(formatStoredTime(rec.ModTime)),
			nullString(formatStoredTime(rec.ChangeTime)),
			nullString(rec.MimeType),
			nullString(rec.Similarity),
			i,
		); err != nil {
			return err
		}
	}
	return nil
}

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func sqliteCode(err error) int {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		// extended result codes carry the primary code in the low byte
		return coder.Code() & 0xff
	}
	return 0
}

func isNotADatabase(err error) bool {
	if err == nil {
		return false
	}
	if sqliteCode(err) == sqliteNotADBCode {
		return true
	}
	return strings.Contains(err.Error(), "file is not a database")
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if sqliteCode(err) == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
