package storage

import (
	"context"
	"errors"
	"strings"

	logx "fwdbot/pkg/logx"
)

// CredentialStore is the read side the client registry depends on.
type CredentialStore interface {
	GetCredentials(ctx context.Context, tenantID string) (Credentials, error)
}

// StatusStore holds one forwarding status row per tenant.
type StatusStore interface {
	GetJobStatus(ctx context.Context, tenantID string) (JobStatus, bool, error)
	PutJobStatus(ctx context.Context, st JobStatus) error
}

// Store is the full persistence API.
type Store interface {
	CredentialStore
	StatusStore
	PutCredentials(ctx context.Context, c Credentials) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store. An empty driver selects sqlite.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validTenant(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("storage: empty tenant id")
	}
	return nil
}
