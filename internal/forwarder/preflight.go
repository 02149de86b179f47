package forwarder

import (
	"context"
	"fmt"
	"strings"

	"fwdbot/internal/platform"
	"fwdbot/internal/runtime/supervisor"
	logx "fwdbot/pkg/logx"
)

// Preflight posts the probe text to every destination, failing on the first
// one that rejects it, then waits up to ProbeTimeout for an unforwarded
// message to show up at the source.
func (s *Service) Preflight(ctx context.Context, req PreflightRequest) (PreflightResult, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	switch {
	case req.TenantID == "":
		return PreflightResult{}, fmt.Errorf("%w: tenant id required", ErrInvalidRequest)
	case req.SourceID == 0:
		return PreflightResult{}, fmt.Errorf("%w: source chat required", ErrInvalidRequest)
	case len(req.DestinationIDs) == 0:
		return PreflightResult{}, fmt.Errorf("%w: at least one destination required", ErrInvalidRequest)
	}
	client, release, err := s.clients.Use(req.TenantID)
	if err != nil {
		return PreflightResult{}, notInitialized(err)
	}
	defer release()

	cfg := s.config()
	log := s.log.With(logx.Tenant(req.TenantID))
	res := PreflightResult{Status: PreflightTimeout}

	for i, dest := range req.DestinationIDs {
		if i > 0 && !supervisor.Sleep(ctx, cfg.ProbeGap) {
			return res, ctx.Err()
		}
		if err := client.SendText(ctx, dest, cfg.ProbeText); err != nil {
			log.Warn("probe rejected", logx.Chat("dest", dest), logx.Err(err))
			return res, fmt.Errorf("%w: destination %d: %w", ErrProbeFailed, dest, err)
		}
		res.Probed++
	}

	deadline := s.now().Add(cfg.ProbeTimeout)
	for {
		latest, err := client.RecentMessages(ctx, req.SourceID, 1)
		if err != nil {
			log.Debug("source poll failed", logx.Err(err))
		} else if msg, ok := platform.LatestUnforwarded(latest, s.now(), cfg.MessageMaxAge); ok {
			res.Status = PreflightFound
			res.Messages = []platform.Message{msg}
			return res, nil
		}
		if !s.now().Before(deadline) {
			return res, nil
		}
		if !supervisor.Sleep(ctx, cfg.ProbePoll) {
			return res, ctx.Err()
		}
	}
}

// Destinations lists the groups and channels the tenant's client can post to.
func (s *Service) Destinations(ctx context.Context, tenantID string) ([]platform.Dialog, error) {
	client, release, err := s.clients.Use(strings.TrimSpace(tenantID))
	if err != nil {
		return nil, notInitialized(err)
	}
	defer release()
	return client.Dialogs(ctx)
}
