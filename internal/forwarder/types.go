package forwarder

import (
	"errors"
	"time"

	"fwdbot/internal/clients"
	"fwdbot/internal/dispatch"
	"fwdbot/internal/platform"
)

var (
	ErrInvalidInterval    = errors.New("interval must be between 1 and 60 minutes")
	ErrInvalidRequest     = errors.New("invalid forwarding request")
	ErrNotInitialized     = errors.New("tenant client not initialized")
	ErrNoMessageAvailable = errors.New("no unforwarded message at source")
	ErrStatusStore        = errors.New("job status store failed")
	ErrProbeFailed        = errors.New("probe message failed")
	ErrNotRunning         = errors.New("forwarding scheduler not running")
)

const (
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 60

	DefaultProbeText    = "hello world"
	DefaultProbeTimeout = 30 * time.Second
	DefaultProbeGap     = time.Second
	DefaultProbePoll    = time.Second
)

type Config struct {
	// BatchChunks is the job default when StartRequest.BatchChunks is zero.
	BatchChunks   int
	MessageMaxAge time.Duration

	ProbeText    string
	ProbeTimeout time.Duration
	ProbeGap     time.Duration
	ProbePoll    time.Duration

	// Location is the cron location; changing it restarts the cron runner.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.BatchChunks <= 0 || c.BatchChunks > dispatch.MaxBatchChunks {
		c.BatchChunks = dispatch.MaxBatchChunks
	}
	if c.MessageMaxAge <= 0 {
		c.MessageMaxAge = dispatch.DefaultMessageMaxAge
	}
	if c.ProbeText == "" {
		c.ProbeText = DefaultProbeText
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeGap <= 0 {
		c.ProbeGap = DefaultProbeGap
	}
	if c.ProbePoll <= 0 {
		c.ProbePoll = DefaultProbePoll
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type StartRequest struct {
	TenantID        string  `json:"tenant_id"`
	SourceID        int64   `json:"source_chat_id"`
	DestinationIDs  []int64 `json:"destination_chat_ids"`
	IntervalMinutes int     `json:"interval_minutes"`
	// BatchChunks is the number of chunks per round; zero uses the default.
	BatchChunks int `json:"batch_chunks,omitempty"`
}

type PreflightRequest struct {
	TenantID       string  `json:"tenant_id"`
	SourceID       int64   `json:"source_chat_id"`
	DestinationIDs []int64 `json:"destination_chat_ids"`
}

type PreflightStatus string

const (
	PreflightFound   PreflightStatus = "FOUND"
	PreflightTimeout PreflightStatus = "TIMEOUT"
)

type PreflightResult struct {
	Status   PreflightStatus    `json:"status"`
	Probed   int                `json:"probed"`
	Messages []platform.Message `json:"messages"`
}

// MessageRef identifies the remembered message.
type MessageRef struct {
	ID     int       `json:"message_id"`
	ChatID int64     `json:"chat_id"`
	Date   time.Time `json:"date"`
}

// CycleSummary is the status view of a dispatch.Report.
type CycleSummary struct {
	CycleID     string    `json:"cycle_id"`
	MessageID   int       `json:"message_id"`
	Sent        int       `json:"sent"`
	RateLimited int       `json:"rate_limited"`
	Unreachable int       `json:"unreachable"`
	Failed      int       `json:"failed"`
	Rounds      int       `json:"rounds"`
	Cancelled   bool      `json:"cancelled"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

func summarize(r dispatch.Report) *CycleSummary {
	s := &CycleSummary{
		CycleID:     r.CycleID.String(),
		MessageID:   r.Message.ID,
		Sent:        r.Sent,
		RateLimited: r.RateLimited,
		Unreachable: r.Unreachable,
		Failed:      r.Failed,
		Rounds:      r.Rounds,
		Cancelled:   r.Cancelled,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

// Status is the live view of one tenant.
type Status struct {
	TenantID        string               `json:"tenant_id"`
	Active          bool                 `json:"active"`
	IntervalMinutes int                  `json:"interval_minutes,omitempty"`
	SourceID        int64                `json:"source_chat_id,omitempty"`
	Destinations    int                  `json:"destinations,omitempty"`
	BatchChunks     int                  `json:"batch_chunks,omitempty"`
	Running         bool                 `json:"cycle_running"`
	StartedAt       time.Time            `json:"started_at,omitzero"`
	NextRun         time.Time            `json:"next_run,omitzero"`
	Message         *MessageRef          `json:"message,omitempty"`
	LastCycle       *CycleSummary        `json:"last_cycle,omitempty"`
	SkippedTicks    uint64               `json:"skipped_ticks"`
	PendingRetries  int                  `json:"pending_retries"`
	Client          *clients.SessionInfo `json:"client,omitempty"`
}

// PersistedStatus is the stored job row plus the live client info.
type PersistedStatus struct {
	TenantID        string               `json:"tenant_id"`
	Status          int                  `json:"status"`
	IntervalMinutes int                  `json:"interval_minutes"`
	UpdatedAt       time.Time            `json:"updated_at,omitzero"`
	Client          *clients.SessionInfo `json:"client,omitempty"`
}
