package config

import (
	"sort"
	"strings"

	logx "fwdbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe log
// fields describing them. Secrets (storage.dsn, http.token) are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oSt, nSt := oldCfg.Storage, newCfg.Storage
	if oSt.Driver != nSt.Driver || oSt.Path != nSt.Path || oSt.BusyTimeout != nSt.BusyTimeout ||
		oSt.MaxConns != nSt.MaxConns || oSt.DSN != nSt.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nSt.DSN) != ""),
		)
	}

	if oldCfg.Platform != newCfg.Platform {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.String("platform.poll_timeout", newCfg.Platform.PollTimeout),
			logx.Int("platform.rate_per_sec", newCfg.Platform.RatePerSec),
		)
	}

	if oldCfg.Forwarding != newCfg.Forwarding {
		changed = append(changed, "forwarding")
		f := newCfg.Forwarding
		attrs = append(attrs,
			logx.Int("forwarding.chunk_size", f.ChunkSize),
			logx.Int("forwarding.batch_chunks", f.BatchChunks),
			logx.String("forwarding.chunk_pause", f.ChunkPause),
			logx.String("forwarding.retry_margin", f.RetryMargin),
			logx.String("forwarding.idle_timeout", f.IdleTimeout),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Addr != nh.Addr || oh.Pprof != nh.Pprof || oh.Token != nh.Token ||
		oh.ReadTimeout != nh.ReadTimeout || oh.WriteTimeout != nh.WriteTimeout || oh.IdleTimeout != nh.IdleTimeout {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports whether any changed section can only take effect after a restart.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "storage", "platform", "http":
			return true
		}
	}
	return false
}
