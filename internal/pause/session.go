package pause

import (
	"context"
	"fmt"
	"time"

	"github.com/nkkko/agentdesk/pkg/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func (c *Controller) newSession(handle *proto.SessionHandle, reason *proto.PauseReason) *proto.PauseSession {
	session := &proto.PauseSession{
		Id:                   generateID(),
		ReasonId:             reason.Id,
		ReasonName:           reason.Name,
		StartedAt:            timestamppb.New(c.clock.Now()),
		DurationLimitSeconds: reason.TimePause,
	}
	if handle != nil {
		session.CorrelationId = handle.CorrelationId
		if handle.StartedAt != nil {
			session.StartedAt = handle.StartedAt
		}
	}
	return session
}

// activateLocked installs session as the active one and starts its tick
func (c *Controller) activateLocked(session *proto.PauseSession, warned, exceeded bool) {
	c.session = session
	c.warned = warned
	c.exceeded = exceeded
	c.lastErr = ""
	if c.reason == nil {
		c.reason = &proto.PauseReason{
			Id:        session.ReasonId,
			Name:      session.ReasonName,
			TimePause: session.DurationLimitSeconds,
		}
	}
	c.startTickLocked()
}

func (c *Controller) onSessionStarted(ctx context.Context, session *proto.PauseSession) {
	c.logger.Info().
		Str("session_id", session.Id).
		Str("correlation_id", session.CorrelationId).
		Str("reason", session.ReasonName).
		Int64("limit_seconds", session.DurationLimitSeconds).
		Msg("Pause session started")
	if c.deps.Notifier != nil {
		c.deps.Notifier.ResetScope(session.Id)
	}
	c.persist(ctx)
	c.emit()
}

func (c *Controller) startTickLocked() {
	c.stopTickLocked()
	epoch := c.epoch
	c.tick = c.clock.AfterFunc(c.config.TickInterval, func() { c.onTick(epoch) })
}

func (c *Controller) stopTickLocked() {
	if c.tick != nil {
		c.tick.Stop()
		c.tick = nil
	}
}

// onTick re-evaluates the active session. Elapsed time always comes from
// the clock, so a late or skipped tick never drifts.
func (c *Controller) onTick(epoch uint64) {
	c.mu.Lock()
	if c.closed || c.state != StateActive || c.epoch != epoch || c.session == nil {
		c.mu.Unlock()
		return
	}
	events, changed := c.thresholdEventsLocked(c.clock.Now())
	c.tick = c.clock.AfterFunc(c.config.TickInterval, func() { c.onTick(epoch) })
	c.mu.Unlock()

	ctx := context.Background()
	for _, event := range events {
		c.notify(ctx, event)
	}
	if changed {
		c.persist(ctx)
	}
	c.emit()
}

// thresholdEventsLocked returns the warning or exceeded alerts that became
// due. Each fires at most once per session; a session first observed past
// its limit only raises the exceeded alert.
func (c *Controller) thresholdEventsLocked(now time.Time) ([]*proto.NotificationEvent, bool) {
	s := c.session
	if s.DurationLimitSeconds <= 0 {
		return nil, false
	}
	elapsed := s.Elapsed(now)
	limit := s.DurationLimitSeconds

	switch {
	case !c.exceeded && elapsed >= limit:
		c.exceeded = true
		c.warned = true
		c.logger.Warn().Str("session_id", s.Id).Int64("overage_seconds", elapsed-limit).Msg("Pause exceeded its limit")
		return []*proto.NotificationEvent{{
			DedupKey:   "exceeded:" + s.ReasonName,
			Scope:      s.Id,
			Category:   proto.Category_PAUSE,
			Title:      "Pause time exceeded",
			Body:       fmt.Sprintf("%s is over its %s limit", s.ReasonName, formatSeconds(limit)),
			SoundClass: proto.SoundClass_EXCEEDED,
			Actions:    []string{"end"},
		}}, true

	case !c.warned && float64(elapsed) >= c.config.WarnRatio*float64(limit):
		c.warned = true
		return []*proto.NotificationEvent{{
			DedupKey:   "warning:" + s.ReasonName,
			Scope:      s.Id,
			Category:   proto.Category_PAUSE,
			Title:      "Pause almost over",
			Body:       fmt.Sprintf("%s ends in %s", s.ReasonName, formatSeconds(limit-elapsed)),
			SoundClass: proto.SoundClass_WARNING,
		}}, true
	}
	return nil, false
}

func formatSeconds(secs int64) string {
	return (time.Duration(secs) * time.Second).String()
}

// checkpointLocked returns what must survive a restart, or nil when
// nothing does
func (c *Controller) checkpointLocked() *proto.Checkpoint {
	cp := &proto.Checkpoint{SavedAt: timestamppb.New(c.clock.Now())}
	switch c.state {
	case StateWaitingApproval:
		if c.request == nil {
			return nil
		}
		cp.State = string(StateWaitingApproval)
		cp.Request = c.request.Clone()
	case StateActive, StateEnding:
		if c.session == nil {
			return nil
		}
		cp.State = string(StateActive)
		cp.Session = c.session.Clone()
		cp.Warned = c.warned
		cp.Exceeded = c.exceeded
	default:
		return nil
	}
	return cp
}

// persist saves or clears the checkpoint to match the current state.
// persistMu is held across the read and the write so the last writer
// always stores the latest state.
func (c *Controller) persist(ctx context.Context) {
	if c.deps.Checkpoints == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	cp := c.checkpointLocked()
	c.mu.Unlock()

	var err error
	if cp == nil {
		err = c.deps.Checkpoints.Clear(ctx, c.deps.Agent)
	} else {
		err = c.deps.Checkpoints.Save(ctx, c.deps.Agent, cp)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist pause checkpoint")
	}
}
