package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultChunkSize      = 20
	MaxBatchChunks        = 3
	DefaultChunkPause     = 5 * time.Second
	DefaultSendPause      = time.Second
	DefaultRetryMargin    = 2 * time.Second
	DefaultMessageMaxAge  = time.Hour
	DefaultIdleTimeout    = time.Hour
	DefaultSweepInterval  = 15 * time.Minute
	DefaultProbeTimeout   = 30 * time.Second
	DefaultProbeText      = "hello world"
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultPollTimeout    = 10 * time.Second
	DefaultRatePerSec     = 25
	DefaultConnectRetries = 2
	DefaultHistorySize    = 50
	DefaultBusyTimeout    = 5 * time.Second
)

// Resolved is the config with defaults filled and durations parsed.
type Resolved struct {
	Storage    StorageSettings
	Platform   PlatformSettings
	Forwarding ForwardingSettings
	HTTP       HTTPSettings
}

type StorageSettings struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
	MaxConns    int32
}

type PlatformSettings struct {
	APIURL         string
	PollTimeout    time.Duration
	RatePerSec     int
	ConnectRetries int
	HistorySize    int
}

type ForwardingSettings struct {
	ChunkSize     int
	BatchChunks   int
	ChunkPause    time.Duration
	SendPause     time.Duration
	RetryMargin   time.Duration
	MessageMaxAge time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	ProbeTimeout  time.Duration
	ProbeText     string
	Location      *time.Location
}

type HTTPSettings struct {
	Addr         string
	Token        string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Resolve validates cfg and returns typed settings with defaults applied.
// All problems are reported together.
func (c *Config) Resolve() (Resolved, error) {
	var (
		out  Resolved
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := parseDuration(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	// storage
	st := c.Storage
	out.Storage = StorageSettings{
		Driver:      strings.ToLower(strings.TrimSpace(st.Driver)),
		Path:        strings.TrimSpace(st.Path),
		DSN:         strings.TrimSpace(st.DSN),
		BusyTimeout: dur("storage.busy_timeout", st.BusyTimeout, DefaultBusyTimeout),
		MaxConns:    st.MaxConns,
	}
	switch out.Storage.Driver {
	case "", "sqlite":
		out.Storage.Driver = "sqlite"
		if out.Storage.Path == "" {
			out.Storage.Path = "./fwdbot.db"
		}
	case "file":
		if out.Storage.Path == "" {
			out.Storage.Path = "./fwdbot_store"
		}
	case "postgres", "postgresql":
		out.Storage.Driver = "postgres"
		if out.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
	}
	if out.Storage.MaxConns < 0 {
		errs = append(errs, errors.New("storage.max_conns: must be >= 0"))
	}

	// platform
	pl := c.Platform
	out.Platform = PlatformSettings{
		APIURL:         strings.TrimSpace(pl.APIURL),
		PollTimeout:    dur("platform.poll_timeout", pl.PollTimeout, DefaultPollTimeout),
		RatePerSec:     pl.RatePerSec,
		ConnectRetries: pl.ConnectRetries,
		HistorySize:    pl.HistorySize,
	}
	if out.Platform.RatePerSec <= 0 {
		out.Platform.RatePerSec = DefaultRatePerSec
	}
	if out.Platform.ConnectRetries < 0 {
		errs = append(errs, errors.New("platform.connect_retries: must be >= 0"))
	} else if out.Platform.ConnectRetries == 0 {
		out.Platform.ConnectRetries = DefaultConnectRetries
	}
	if out.Platform.HistorySize <= 0 {
		out.Platform.HistorySize = DefaultHistorySize
	}

	// forwarding
	fw := c.Forwarding
	out.Forwarding = ForwardingSettings{
		ChunkSize:     fw.ChunkSize,
		BatchChunks:   fw.BatchChunks,
		ChunkPause:    dur("forwarding.chunk_pause", fw.ChunkPause, DefaultChunkPause),
		SendPause:     dur("forwarding.send_pause", fw.SendPause, DefaultSendPause),
		RetryMargin:   dur("forwarding.retry_margin", fw.RetryMargin, DefaultRetryMargin),
		MessageMaxAge: dur("forwarding.message_max_age", fw.MessageMaxAge, DefaultMessageMaxAge),
		IdleTimeout:   dur("forwarding.idle_timeout", fw.IdleTimeout, DefaultIdleTimeout),
		SweepInterval: dur("forwarding.sweep_interval", fw.SweepInterval, DefaultSweepInterval),
		ProbeTimeout:  dur("forwarding.probe_timeout", fw.ProbeTimeout, DefaultProbeTimeout),
		ProbeText:     fw.ProbeText,
		Location:      time.Local,
	}
	if out.Forwarding.ChunkSize < 0 {
		errs = append(errs, errors.New("forwarding.chunk_size: must be >= 0"))
	} else if out.Forwarding.ChunkSize == 0 {
		out.Forwarding.ChunkSize = DefaultChunkSize
	}
	if out.Forwarding.BatchChunks < 0 || out.Forwarding.BatchChunks > MaxBatchChunks {
		errs = append(errs, fmt.Errorf("forwarding.batch_chunks: must be between 1 and %d", MaxBatchChunks))
	} else if out.Forwarding.BatchChunks == 0 {
		out.Forwarding.BatchChunks = MaxBatchChunks
	}
	if strings.TrimSpace(out.Forwarding.ProbeText) == "" {
		out.Forwarding.ProbeText = DefaultProbeText
	}
	if tz := strings.TrimSpace(fw.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("forwarding.timezone: %w", err))
		} else {
			out.Forwarding.Location = loc
		}
	}

	// http
	h := c.HTTP
	out.HTTP = HTTPSettings{
		Addr:         strings.TrimSpace(h.Addr),
		Token:        strings.TrimSpace(h.Token),
		Pprof:        h.Pprof,
		ReadTimeout:  dur("http.read_timeout", h.ReadTimeout, 10*time.Second),
		WriteTimeout: dur("http.write_timeout", h.WriteTimeout, 30*time.Second),
		IdleTimeout:  dur("http.idle_timeout", h.IdleTimeout, 60*time.Second),
	}
	if out.HTTP.Addr == "" {
		out.HTTP.Addr = DefaultHTTPAddr
	}

	if len(errs) > 0 {
		return Resolved{}, errors.Join(errs...)
	}
	return out, nil
}

// parseDuration reads a Go duration string. Empty or zero means def; a
// negative value is an error reported against path.
func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "0" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return def, fmt.Errorf("%s: invalid duration %q", path, raw)
	case d < 0:
		return def, fmt.Errorf("%s: must not be negative", path)
	case d == 0:
		return def, nil
	}
	return d, nil
}
