package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // sqlite database file or file-driver prefix
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// Credentials are what a tenant client needs to connect.
type Credentials struct {
	TenantID string
	APIID    int
	APIHash  string
	Session  string
}

const (
	StatusStopped = 0
	StatusActive  = 1
)

// JobStatus is the persisted forwarding state of one tenant.
// A tenant without a row is treated as stopped.
type JobStatus struct {
	TenantID        string
	Status          int
	IntervalMinutes int
	UpdatedAt       time.Time
}

func (s JobStatus) Active() bool { return s.Status == StatusActive }

// AuditEntry records a tenant-level action or the outcome of a dispatch cycle.
type AuditEntry struct {
	At       time.Time `json:"at"`
	TenantID string    `json:"tenant_id"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       int       `json:"ok,omitempty"`
	Fail     int       `json:"fail,omitempty"`
	Error    string    `json:"err,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
