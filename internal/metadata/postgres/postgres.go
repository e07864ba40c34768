// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metadata"
	"github.com/xaixapi/filelist/internal/metrics"
)

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL metadata store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewFromDB wraps an open database handle.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs every *.up.sql file of fsys in lexical order.
func (s *Store) Migrate(ctx context.Context, fsys fs.FS) error {
	files, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

func observe(query string) func() {
	start := time.Now()
	return func() { metrics.RecordDBQuery(query, time.Since(start)) }
}

const shareColumns = `id, token, path, mtime, size, is_dir, created_at, expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanShare(row scanner) (*metadata.Share, error) {
	var sh metadata.Share
	var expires pq.NullTime
	if err := row.Scan(&sh.ID, &sh.Token, &sh.Path, &sh.ModTime, &sh.Size, &sh.IsDir, &sh.CreatedAt, &expires); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		sh.ExpiresAt = &t
	}
	return &sh, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.E(apperr.NotFound, what+" not found")
	}
	return apperr.Wrap(apperr.Transient, "query "+what, err)
}

// UpsertShare inserts or replaces the share for (token, path).
func (s *Store) UpsertShare(ctx context.Context, sh *metadata.Share) (*metadata.Share, error) {
	defer observe("upsert_share")()

	id := sh.ID
	if id == "" {
		id = metadata.NewID()
	}
	var expires any
	if sh.ExpiresAt != nil {
		expires = *sh.ExpiresAt
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token, path) DO UPDATE SET
			mtime = EXCLUDED.mtime,
			size = EXCLUDED.size,
			is_dir = EXCLUDED.is_dir,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		RETURNING `+shareColumns,
		id, sh.Token, sh.Path, sh.ModTime, sh.Size, sh.IsDir, sh.CreatedAt, expires)
	out, err := scanShare(row)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "upsert share", err)
	}
	return out, nil
}

func (s *Store) GetShare(ctx context.Context, id string) (*metadata.Share, error) {
	defer observe("get_share")()
	row := s.db.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE id = $1`, id)
	sh, err := scanShare(row)
	if err != nil {
		return nil, notFound(err, "share")
	}
	return sh, nil
}

func (s *Store) FindShare(ctx context.Context, token, path string) (*metadata.Share, error) {
	defer observe("find_share")()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE token = $1 AND path = $2`, token, path)
	sh, err := scanShare(row)
	if err != nil {
		return nil, notFound(err, "share")
	}
	return sh, nil
}

func (s *Store) DeleteShare(ctx context.Context, id string) error {
	defer observe("delete_share")()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE id = $1`, id); err != nil {
		return apperr.Wrap(apperr.Transient, "delete share", err)
	}
	return nil
}

func (s *Store) DeleteSharesByPath(ctx context.Context, path string) ([]string, error) {
	defer observe("delete_shares_by_path")()
	rows, err := s.db.QueryContext(ctx, `DELETE FROM shares WHERE path = $1 RETURNING id`, path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "delete shares", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan share id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListShares(ctx context.Context, token string) ([]*metadata.Share, error) {
	defer observe("list_shares")()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+shareColumns+` FROM shares
		WHERE $1 = '' OR token = $1
		ORDER BY created_at DESC`, token)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list shares", err)
	}
	defer rows.Close()

	var out []*metadata.Share
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *Store) CountShares(ctx context.Context) (int, error) {
	defer observe("count_shares")()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shares`).Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.Transient, "count shares", err)
	}
	return n, nil
}

const userColumns = `id, username, token, is_admin, is_public`

func scanUser(row scanner) (*metadata.User, error) {
	var u metadata.User
	if err := row.Scan(&u.ID, &u.Username, &u.Token, &u.Admin, &u.Public); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserByToken(ctx context.Context, token string) (*metadata.User, error) {
	defer observe("user_by_token")()
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE token = $1`, token))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id int) (*metadata.User, error) {
	defer observe("user_by_id")()
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

func (s *Store) GetOffload(ctx context.Context, path string) (*metadata.Offload, error) {
	defer observe("get_offload")()
	var o metadata.Offload
	err := s.db.QueryRowContext(ctx,
		`SELECT path, url, s3_key FROM offloads WHERE path = $1`, path).Scan(&o.Path, &o.URL, &o.S3Key)
	if err != nil {
		return nil, notFound(err, "offload")
	}
	return &o, nil
}

var _ metadata.Store = (*Store)(nil)
