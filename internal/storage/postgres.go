package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "fwdbot/pkg/logx"
)

type postgresStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	db, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &postgresStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.db.Close()
	return nil
}

func (s *postgresStore) GetCredentials(ctx context.Context, tenantID string) (Credentials, error) {
	c := Credentials{TenantID: tenantID}
	err := s.db.QueryRow(ctx,
		`select api_id, api_hash, session from users where tenant_id = $1`, tenantID,
	).Scan(&c.APIID, &c.APIHash, &c.Session)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func (s *postgresStore) PutCredentials(ctx context.Context, c Credentials) error {
	if err := validTenant(c.TenantID); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx,
		`insert into users(tenant_id, api_id, api_hash, session) values ($1,$2,$3,$4)
on conflict (tenant_id) do update set api_id = excluded.api_id, api_hash = excluded.api_hash, session = excluded.session`,
		c.TenantID, c.APIID, c.APIHash, c.Session,
	)
	return err
}

func (s *postgresStore) GetJobStatus(ctx context.Context, tenantID string) (JobStatus, bool, error) {
	st := JobStatus{TenantID: tenantID}
	var status int16
	var interval int32
	err := s.db.QueryRow(ctx,
		`select status, forward_interval, updated_at from forward where tenant_id = $1`, tenantID,
	).Scan(&status, &interval, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return JobStatus{}, false, nil
	}
	if err != nil {
		return JobStatus{}, false, err
	}
	st.Status = int(status)
	st.IntervalMinutes = int(interval)
	return st, true, nil
}

func (s *postgresStore) PutJobStatus(ctx context.Context, st JobStatus) error {
	if err := validTenant(st.TenantID); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx,
		`insert into forward(tenant_id, status, forward_interval, updated_at) values ($1,$2,$3,$4)
on conflict (tenant_id) do update set status = excluded.status, forward_interval = excluded.forward_interval, updated_at = excluded.updated_at`,
		st.TenantID, int16(st.Status), int32(st.IntervalMinutes), st.UpdatedAt,
	)
	return err
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.Exec(ctx,
		`insert into audit(at, tenant_id, action, target, ok, fail, err, took_ms, meta)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.At, e.TenantID, e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}
