package pause

import (
	"context"
	"errors"

	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/telemetry"
	"github.com/nkkko/agentdesk/pkg/proto"
)

// Resume restores the controller from the last checkpoint. A waiting
// request is re-validated before it is trusted: it must be younger than
// StaleAfter, its reason must still exist and the live record must still
// be the same request. Anything else is discarded.
func (c *Controller) Resume(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "pause.Resume")
	defer span.End()

	if c.deps.Checkpoints == nil {
		return nil
	}
	cp, err := c.deps.Checkpoints.Load(ctx, c.deps.Agent)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && cp == nil) {
		return nil
	}
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		c.logger.Warn().Err(err).Msg("Failed to load pause checkpoint, starting idle")
		return nil
	}

	switch State(cp.State) {
	case StateWaitingApproval:
		return c.resumeWaiting(ctx, cp)
	case StateActive:
		return c.resumeActive(ctx, cp)
	default:
		c.logger.Warn().Str("state", cp.State).Msg("Discarding checkpoint with unexpected state")
		c.discardCheckpoint(ctx, false)
		return nil
	}
}

func (c *Controller) resumeWaiting(ctx context.Context, cp *proto.Checkpoint) error {
	req := cp.Request
	if req == nil || req.CreatedAt == nil {
		c.discardCheckpoint(ctx, true)
		return nil
	}

	age := c.clock.Now().Sub(req.CreatedAt.AsTime())
	if age >= c.config.StaleAfter {
		c.logger.Info().Str("request_id", req.Id).Dur("age", age).Msg("Discarding stale pause request")
		c.discardCheckpoint(ctx, true)
		return nil
	}

	reason, err := c.deps.Catalog.Get(ctx, req.ReasonId)
	if err != nil {
		c.logger.Info().Err(err).Str("request_id", req.Id).Str("reason_id", req.ReasonId).Msg("Discarding pause request with unusable reason")
		c.discardCheckpoint(ctx, true)
		return nil
	}

	live, err := c.deps.Requests.Get(ctx, c.deps.Agent)
	switch {
	case errors.Is(err, domain.ErrNotFound) || (err == nil && live == nil):
		c.logger.Info().Str("request_id", req.Id).Msg("Discarding pause request without a live record")
		c.discardCheckpoint(ctx, false)
		return nil
	case err != nil:
		// the subscription snapshot settles it once the backend is back
		c.logger.Warn().Err(err).Str("request_id", req.Id).Msg("Failed to read live pause request, resuming from checkpoint")
		live = nil
	case live.Id != req.Id:
		c.logger.Info().Str("request_id", req.Id).Str("live_request_id", live.Id).Msg("Discarding pause request replaced by another")
		c.discardCheckpoint(ctx, false)
		return nil
	}

	c.mu.Lock()
	if !c.transitionLocked(EvResumeWaiting) {
		c.mu.Unlock()
		return nil
	}
	c.reason = reason
	c.request = req.Clone()
	epoch := c.epoch
	c.mu.Unlock()

	c.logger.Info().Str("request_id", req.Id).Msg("Resumed waiting for approval")
	c.emit()
	c.watchRequest(req.Id, epoch)

	// answered while the console was down
	if live != nil && live.Status.IsTerminal() {
		c.onRequestUpdate(req.Id, live)
	}
	return nil
}

func (c *Controller) resumeActive(ctx context.Context, cp *proto.Checkpoint) error {
	if cp.Session == nil || cp.Session.StartedAt == nil {
		c.discardCheckpoint(ctx, false)
		return nil
	}

	c.mu.Lock()
	if !c.transitionLocked(EvResumeActive) {
		c.mu.Unlock()
		return nil
	}
	c.activateLocked(cp.Session.Clone(), cp.Warned, cp.Exceeded)
	c.mu.Unlock()

	c.logger.Info().
		Str("session_id", cp.Session.Id).
		Int64("elapsed_seconds", cp.Session.Elapsed(c.clock.Now())).
		Msg("Resumed active pause session")
	c.emit()
	return nil
}

// discardCheckpoint clears the checkpoint and, for a waiting request, the
// live record it points at
func (c *Controller) discardCheckpoint(ctx context.Context, removeLive bool) {
	if removeLive {
		c.removeLive(ctx)
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.deps.Checkpoints.Clear(ctx, c.deps.Agent); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to clear pause checkpoint")
	}
}
