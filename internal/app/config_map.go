package app

import (
	"fwdbot/internal/clients"
	"fwdbot/internal/config"
	"fwdbot/internal/dispatch"
	"fwdbot/internal/forwarder"
	"fwdbot/internal/httpapi"
	"fwdbot/internal/platform/telegram"
	"fwdbot/internal/storage"
	logx "fwdbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(r config.StorageSettings) storage.Config {
	return storage.Config{
		Driver:      r.Driver,
		Path:        r.Path,
		DSN:         r.DSN,
		BusyTimeout: r.BusyTimeout,
		MaxConns:    r.MaxConns,
	}
}

func mapPlatform(r config.PlatformSettings) telegram.Config {
	return telegram.Config{
		APIURL:         r.APIURL,
		PollTimeout:    r.PollTimeout,
		RatePerSec:     r.RatePerSec,
		ConnectRetries: r.ConnectRetries,
		HistorySize:    r.HistorySize,
	}
}

func mapDispatch(r config.ForwardingSettings) dispatch.Settings {
	return dispatch.Settings{
		ChunkSize:     r.ChunkSize,
		BatchChunks:   r.BatchChunks,
		ChunkPause:    r.ChunkPause,
		SendPause:     r.SendPause,
		RetryMargin:   r.RetryMargin,
		MessageMaxAge: r.MessageMaxAge,
	}
}

func mapClients(r config.ForwardingSettings) clients.Config {
	return clients.Config{IdleTimeout: r.IdleTimeout, SweepInterval: r.SweepInterval}
}

func mapForwarder(r config.ForwardingSettings) forwarder.Config {
	return forwarder.Config{
		BatchChunks:   r.BatchChunks,
		MessageMaxAge: r.MessageMaxAge,
		ProbeText:     r.ProbeText,
		ProbeTimeout:  r.ProbeTimeout,
		Location:      r.Location,
	}
}

func mapServer(r config.HTTPSettings) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		Addr:         r.Addr,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
		IdleTimeout:  r.IdleTimeout,
	}
}
