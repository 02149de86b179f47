package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "fwdbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetCredentials(ctx context.Context, tenantID string) (Credentials, error) {
	c := Credentials{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx,
		`SELECT api_id, api_hash, session FROM users WHERE tenant_id = ?`, tenantID,
	).Scan(&c.APIID, &c.APIHash, &c.Session)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func (s *sqliteStore) PutCredentials(ctx context.Context, c Credentials) error {
	if err := validTenant(c.TenantID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(tenant_id, api_id, api_hash, session) VALUES(?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET api_id=excluded.api_id, api_hash=excluded.api_hash, session=excluded.session`,
		c.TenantID, c.APIID, c.APIHash, c.Session,
	)
	return err
}

func (s *sqliteStore) GetJobStatus(ctx context.Context, tenantID string) (JobStatus, bool, error) {
	st := JobStatus{TenantID: tenantID}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, forward_interval, updated_at FROM forward WHERE tenant_id = ?`, tenantID,
	).Scan(&st.Status, &st.IntervalMinutes, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return JobStatus{}, false, nil
	}
	if err != nil {
		return JobStatus{}, false, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, updated); perr == nil {
		st.UpdatedAt = t
	}
	return st, true, nil
}

func (s *sqliteStore) PutJobStatus(ctx context.Context, st JobStatus) error {
	if err := validTenant(st.TenantID); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO forward(tenant_id, status, forward_interval, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET status=excluded.status, forward_interval=excluded.forward_interval, updated_at=excluded.updated_at`,
		st.TenantID, st.Status, st.IntervalMinutes, st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, tenant_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.TenantID, e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
