package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store.
type Memory struct {
	mu     sync.Mutex
	closed bool
	creds  map[string]Credentials
	status map[string]JobStatus
	audit  []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		creds:  map[string]Credentials{},
		status: map[string]JobStatus{},
	}
}

func (m *Memory) GetCredentials(ctx context.Context, tenantID string) (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Credentials{}, ErrClosed
	}
	c, ok := m.creds[tenantID]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) PutCredentials(ctx context.Context, c Credentials) error {
	if err := validTenant(c.TenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.creds[c.TenantID] = c
	return nil
}

func (m *Memory) GetJobStatus(ctx context.Context, tenantID string) (JobStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return JobStatus{}, false, ErrClosed
	}
	st, ok := m.status[tenantID]
	return st, ok, nil
}

func (m *Memory) PutJobStatus(ctx context.Context, st JobStatus) error {
	if err := validTenant(st.TenantID); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.status[st.TenantID] = st
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the recorded entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
