// Package pause drives an agent's pause from reason selection through an
// optional supervisor approval to a timed session and back.
package pause

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/agentdesk/internal/clock"
	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/metrics"
	"github.com/nkkko/agentdesk/internal/router"
	"github.com/nkkko/agentdesk/internal/telemetry"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	// DefaultStaleAfter bounds how old a waiting request may be to resume
	DefaultStaleAfter = 12 * time.Hour

	// DefaultWarnRatio is the share of the session limit that triggers the warning
	DefaultWarnRatio = 0.8

	// TickInterval is the cadence at which an active session is re-evaluated
	TickInterval = time.Second
)

// Config contains controller configuration
type Config struct {
	StaleAfter   time.Duration
	WarnRatio    float64
	TickInterval time.Duration
}

// DefaultConfig returns a default controller configuration
func DefaultConfig() Config {
	return Config{
		StaleAfter:   DefaultStaleAfter,
		WarnRatio:    DefaultWarnRatio,
		TickInterval: TickInterval,
	}
}

// Topics is the subscription multiplexer the controller listens through
type Topics interface {
	Attach(topicKey string, factory router.Factory, onData func(any), onError func(error)) (detach func())
}

// Notifier surfaces alerts to the user
type Notifier interface {
	Notify(ctx context.Context, event *proto.NotificationEvent) bool
	ResetScope(scope string)
}

// Dependencies are the collaborators of a Controller. Catalog, Requests,
// Sessions, Topics and Backend are required.
type Dependencies struct {
	Agent       proto.AgentRef
	Catalog     domain.ReasonCatalog
	Requests    domain.PauseRequestStore
	Sessions    domain.SessionAPI
	History     domain.HistoryStore
	Checkpoints domain.CheckpointStore
	Topics      Topics
	Backend     domain.Backend
	Notifier    Notifier
	Clock       clock.Clock
}

// Snapshot is the read-only view of the controller
type Snapshot struct {
	State          State               `json:"state"`
	Reason         *proto.PauseReason  `json:"reason,omitempty"`
	Request        *proto.PauseRequest `json:"request,omitempty"`
	Session        *proto.PauseSession `json:"session,omitempty"`
	ElapsedSeconds int64               `json:"elapsed_seconds"`
	IsOverLimit    bool                `json:"is_over_limit"`
	OverageSeconds int64               `json:"overage_seconds"`
	LastError      string              `json:"last_error,omitempty"`
}

// Controller is the pause lifecycle state machine of one agent.
//
// Every asynchronous completion re-checks the epoch it captured before
// acting; the epoch moves on every transition, so late results are dropped.
type Controller struct {
	config Config
	deps   Dependencies
	clock  clock.Clock

	// persistMu serializes checkpoint writes; taken before mu, never after
	persistMu sync.Mutex

	mu       sync.Mutex
	state    State
	epoch    uint64
	busy     bool
	reason   *proto.PauseReason
	request  *proto.PauseRequest
	session  *proto.PauseSession
	warned   bool
	exceeded bool
	lastErr  string
	detach   func()
	tick     *clock.Timer
	closed   bool

	watchers    map[uint64]func(Snapshot)
	nextWatcher uint64

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewController creates a controller in the Idle state
func NewController(config Config, deps Dependencies) (*Controller, error) {
	if deps.Catalog == nil || deps.Requests == nil || deps.Sessions == nil || deps.Topics == nil || deps.Backend == nil {
		return nil, errors.New("pause controller: missing required dependency")
	}
	if deps.Agent.AgentId == "" {
		return nil, errors.New("pause controller: agent id is required")
	}

	defaults := DefaultConfig()
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.WarnRatio <= 0 || config.WarnRatio >= 1 {
		config.WarnRatio = defaults.WarnRatio
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	return &Controller{
		config:   config,
		deps:     deps,
		clock:    deps.Clock,
		state:    StateIdle,
		watchers: make(map[uint64]func(Snapshot)),
		logger: log.With().
			Str("component", "pause").
			Str("account_id", deps.Agent.AccountId).
			Str("agent_id", deps.Agent.AgentId).
			Logger(),
		metrics: metrics.GetMetrics(),
	}, nil
}

// TopicKey is the topic carrying updates to an agent's pause request
func TopicKey(agent proto.AgentRef) string {
	return domain.PauseRequestTopic(agent)
}

// transitionLocked applies ev if the table allows it from the current state
func (c *Controller) transitionLocked(ev Event) bool {
	if c.closed {
		return false
	}
	tr, ok := TransitionFor(c.state, ev)
	if !ok {
		c.logger.Debug().Str("state", string(c.state)).Str("event", string(ev)).Msg("Ignoring event not valid in current state")
		return false
	}

	from := c.state
	c.state = tr.To
	c.epoch++
	c.busy = false
	c.metrics.PauseTransitionsTotal.WithLabelValues(string(from), string(tr.To)).Inc()
	c.logger.Info().Str("from", string(from)).Str("to", string(tr.To)).Str("event", string(ev)).Msg("Pause state changed")
	return true
}

// SelectReason picks the reason for the next pause. It is a no-op unless
// the controller is Idle or still Requesting.
func (c *Controller) SelectReason(ctx context.Context, reasonID string) error {
	ctx, span := telemetry.StartSpan(ctx, "pause.SelectReason")
	defer span.End()
	telemetry.AddSpanAttributes(ctx, attribute.String("reason_id", reasonID))

	c.mu.Lock()
	selectable := (c.state == StateIdle || c.state == StateRequesting) && !c.busy && !c.closed
	c.mu.Unlock()
	if !selectable {
		return nil
	}

	reason, err := c.deps.Catalog.Get(ctx, reasonID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownReason, reasonID)
	}
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		return fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}

	c.mu.Lock()
	if c.busy || !c.transitionLocked(EvReasonSelected) {
		c.mu.Unlock()
		return nil
	}
	c.reason = reason
	c.lastErr = ""
	c.mu.Unlock()

	c.emit()
	return nil
}

// ConfirmStart commits the selected reason: it either starts the session
// or files a request for supervisor approval.
func (c *Controller) ConfirmStart(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "pause.ConfirmStart")
	defer span.End()

	c.mu.Lock()
	if c.state != StateRequesting || c.busy || c.reason == nil {
		c.mu.Unlock()
		return nil
	}
	c.busy = true
	reason := c.reason
	epoch := c.epoch
	c.mu.Unlock()

	var err error
	if reason.RequiresApproval {
		err = c.requestApproval(ctx, reason, epoch)
	} else {
		err = c.startDirect(ctx, reason, epoch)
	}
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
	}
	return err
}

func (c *Controller) startDirect(ctx context.Context, reason *proto.PauseReason, epoch uint64) error {
	handle, err := c.deps.Sessions.StartSession(ctx, c.deps.Agent, reason.Id)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.discardStaleStart(ctx, handle, err)
		return nil
	}
	if err != nil {
		c.transitionLocked(EvStartFailed)
		c.reason = nil
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.metrics.PauseCommandErrorsTotal.WithLabelValues("start").Inc()
		c.logger.Warn().Err(err).Str("reason_id", reason.Id).Msg("Failed to start pause session")
		c.emit()
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	session := c.newSession(handle, reason)
	c.transitionLocked(EvSessionStarted)
	c.activateLocked(session, false, false)
	c.mu.Unlock()

	c.onSessionStarted(ctx, session)
	return nil
}

// discardStaleStart handles a start call that completed after the
// selection was abandoned. A session that did start is ended again.
func (c *Controller) discardStaleStart(ctx context.Context, handle *proto.SessionHandle, err error) {
	c.metrics.PauseStaleCompletionsTotal.Inc()
	if err != nil || handle == nil {
		c.logger.Debug().Msg("Discarding stale failed start")
		return
	}
	c.logger.Warn().Str("correlation_id", handle.CorrelationId).Msg("Start completed after selection was abandoned, ending orphaned session")
	if endErr := c.deps.Sessions.EndSession(ctx, c.deps.Agent, handle.CorrelationId); endErr != nil {
		c.logger.Error().Err(endErr).Str("correlation_id", handle.CorrelationId).Msg("Failed to end orphaned session")
	}
}

func (c *Controller) requestApproval(ctx context.Context, reason *proto.PauseReason, epoch uint64) error {
	req := &proto.PauseRequest{
		Id:               generateID(),
		AccountId:        c.deps.Agent.AccountId,
		AgentId:          c.deps.Agent.AgentId,
		AgentName:        c.deps.Agent.DisplayName,
		ReasonId:         reason.Id,
		ReasonName:       reason.Name,
		RequiresApproval: true,
		TimePause:        reason.TimePause,
		Status:           proto.RequestStatus_PENDING,
		CreatedAt:        timestamppb.New(c.clock.Now()),
	}
	err := c.deps.Requests.Create(ctx, req)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.metrics.PauseStaleCompletionsTotal.Inc()
		if err == nil {
			c.removeLive(ctx)
		}
		return nil
	}
	if err != nil {
		c.transitionLocked(EvRequestFailed)
		c.reason = nil
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.metrics.PauseCommandErrorsTotal.WithLabelValues("request").Inc()
		c.logger.Warn().Err(err).Str("reason_id", reason.Id).Msg("Failed to file pause request")
		c.emit()
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	c.transitionLocked(EvApprovalRequested)
	c.request = req
	waitEpoch := c.epoch
	c.mu.Unlock()

	c.logger.Info().Str("request_id", req.Id).Str("reason", reason.Name).Msg("Waiting for supervisor approval")
	c.persist(ctx)
	c.emit()
	c.watchRequest(req.Id, waitEpoch)
	return nil
}

// watchRequest attaches to the agent's request topic. Attach may replay a
// cached value synchronously, so it runs without the lock held.
func (c *Controller) watchRequest(requestID string, epoch uint64) {
	key := TopicKey(c.deps.Agent)
	factory := func(sink domain.Sink) func() {
		return c.deps.Backend.Subscribe(key, sink)
	}
	detach := c.deps.Topics.Attach(key, factory,
		func(data any) { c.onRequestUpdate(requestID, data) },
		c.onRequestError,
	)

	c.mu.Lock()
	if c.epoch == epoch && c.state == StateWaitingApproval {
		c.detach = detach
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// resolved while attaching
	detach()
}

// takeDetachLocked hands over the request topic detach, if any
func (c *Controller) takeDetachLocked() func() {
	detach := c.detach
	c.detach = nil
	if detach == nil {
		return func() {}
	}
	return detach
}

func (c *Controller) onRequestError(err error) {
	c.logger.Warn().Err(err).Msg("Pause request updates failed")
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.emit()
}

// onRequestUpdate reacts to a backend change of the live request. Only the
// first terminal status for the request being waited on has any effect.
func (c *Controller) onRequestUpdate(requestID string, data any) {
	update, ok := data.(*proto.PauseRequest)
	if !ok || update == nil {
		c.logger.Debug().Str("request_id", requestID).Msgf("Ignoring request update of type %T", data)
		return
	}

	c.mu.Lock()
	if c.state != StateWaitingApproval || c.busy || c.request == nil || c.request.Id != requestID || update.Id != requestID {
		c.mu.Unlock()
		return
	}

	ctx := context.Background()
	switch update.Status {
	case proto.RequestStatus_APPROVED:
		c.resolveApprovedLocked(ctx, update.Clone())
	case proto.RequestStatus_REJECTED:
		c.resolveTerminalLocked(ctx, EvRejected, update.Clone())
	case proto.RequestStatus_CANCELED:
		c.resolveTerminalLocked(ctx, EvCanceled, update.Clone())
	default:
		c.mu.Unlock()
	}
}

// resolveApprovedLocked is entered with c.mu held and releases it
func (c *Controller) resolveApprovedLocked(ctx context.Context, req *proto.PauseRequest) {
	c.busy = true
	c.epoch++
	epoch := c.epoch
	detach := c.takeDetachLocked()
	c.request = req
	c.mu.Unlock()

	detach()
	c.logger.Info().Str("request_id", req.Id).Str("responded_by", req.RespondedBy).Msg("Pause request approved")

	reason := &proto.PauseReason{Id: req.ReasonId, Name: req.ReasonName, RequiresApproval: true, TimePause: req.TimePause}
	handle, err := c.deps.Sessions.StartSession(ctx, c.deps.Agent, req.ReasonId)
	c.removeLive(ctx)
	c.appendHistory(ctx, req)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.discardStaleStart(ctx, handle, err)
		return
	}
	if err != nil {
		c.transitionLocked(EvStartFailed)
		c.reason = nil
		c.request = nil
		c.lastErr = err.Error()
		c.mu.Unlock()

		c.metrics.PauseCommandErrorsTotal.WithLabelValues("start").Inc()
		c.logger.Warn().Err(err).Str("request_id", req.Id).Msg("Failed to start approved pause")
		c.notify(ctx, &proto.NotificationEvent{
			DedupKey: "start-failed:" + req.Id,
			Category: proto.Category_PAUSE,
			Title:    "Could not start pause",
			Body:     fmt.Sprintf("%s was approved but could not be started", req.ReasonName),
		})
		c.persist(ctx)
		c.emit()
		return
	}

	session := c.newSession(handle, reason)
	c.transitionLocked(EvApproved)
	c.request = nil
	c.activateLocked(session, false, false)
	c.mu.Unlock()

	c.notify(ctx, &proto.NotificationEvent{
		DedupKey:   "approved:" + req.Id,
		Category:   proto.Category_PAUSE,
		Title:      "Pause approved",
		Body:       req.ReasonName,
		SoundClass: proto.SoundClass_APPROVED,
	})
	c.onSessionStarted(ctx, session)
}

// resolveTerminalLocked handles a rejection or a cancellation by the backend.
// It is entered with c.mu held and releases it.
func (c *Controller) resolveTerminalLocked(ctx context.Context, ev Event, req *proto.PauseRequest) {
	if !c.transitionLocked(ev) {
		c.mu.Unlock()
		return
	}
	detach := c.takeDetachLocked()
	c.request = nil
	c.mu.Unlock()

	detach()
	c.removeLive(ctx)
	c.appendHistory(ctx, req)

	event := &proto.NotificationEvent{
		DedupKey:   string(req.Status) + ":" + req.Id,
		Category:   proto.Category_PAUSE,
		Title:      "Pause request rejected",
		Body:       req.RejectionReason,
		SoundClass: proto.SoundClass_REJECTED,
	}
	if ev == EvCanceled {
		event.Title = "Pause request canceled"
		event.Body = req.ReasonName
	} else if event.Body == "" {
		event.Body = "No reason given"
	}
	c.logger.Info().Str("request_id", req.Id).Str("status", string(req.Status)).Str("rejection_reason", req.RejectionReason).Msg("Pause request closed")
	c.notify(ctx, event)

	c.mu.Lock()
	c.transitionLocked(EvResolved)
	c.reason = nil
	c.mu.Unlock()

	c.persist(ctx)
	c.emit()
}

// CancelWaiting withdraws a pending request, or abandons the current
// selection while Requesting.
func (c *Controller) CancelWaiting(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "pause.CancelWaiting")
	defer span.End()

	c.mu.Lock()
	switch {
	case c.state == StateRequesting:
		c.transitionLocked(EvSelectionAbandon)
		c.reason = nil
		c.mu.Unlock()
		c.emit()
		return nil

	case c.state == StateWaitingApproval && !c.busy:
		if !c.transitionLocked(EvCanceled) {
			c.mu.Unlock()
			return nil
		}
		detach := c.takeDetachLocked()
		req := c.request.Clone()
		c.request = nil
		c.mu.Unlock()

		detach()
		c.removeLive(ctx)
		if req != nil {
			req.Status = proto.RequestStatus_CANCELED
			req.RespondedAt = timestamppb.New(c.clock.Now())
			req.RespondedBy = c.deps.Agent.AgentId
			c.appendHistory(ctx, req)
			c.logger.Info().Str("request_id", req.Id).Msg("Pause request canceled by agent")
		}

		c.mu.Lock()
		c.transitionLocked(EvResolved)
		c.reason = nil
		c.mu.Unlock()

		c.persist(ctx)
		c.emit()
		return nil

	default:
		c.mu.Unlock()
		return nil
	}
}

// EndPause ends the active session. On failure the session stays active so
// the agent can retry.
func (c *Controller) EndPause(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "pause.EndPause")
	defer span.End()

	c.mu.Lock()
	if c.state != StateActive || c.busy || c.session == nil {
		c.mu.Unlock()
		return nil
	}
	c.transitionLocked(EvEndRequested)
	c.stopTickLocked()
	session := c.session
	epoch := c.epoch
	c.mu.Unlock()
	c.emit()

	err := c.deps.Sessions.EndSession(ctx, c.deps.Agent, session.CorrelationId)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.metrics.PauseStaleCompletionsTotal.Inc()
		return nil
	}
	if err != nil {
		c.transitionLocked(EvEndFailed)
		c.lastErr = err.Error()
		c.startTickLocked()
		c.mu.Unlock()

		c.metrics.PauseCommandErrorsTotal.WithLabelValues("end").Inc()
		telemetry.MarkSpanError(ctx, err)
		c.logger.Warn().Err(err).Str("session_id", session.Id).Msg("Failed to end pause session")
		c.emit()
		return fmt.Errorf("%w: %w", ErrEndFailed, err)
	}

	elapsed := session.Elapsed(c.clock.Now())
	c.transitionLocked(EvEndSucceeded)
	c.session = nil
	c.reason = nil
	c.warned, c.exceeded = false, false
	c.lastErr = ""
	c.mu.Unlock()

	c.metrics.PauseSessionDurationSeconds.Observe(float64(elapsed))
	c.logger.Info().Str("session_id", session.Id).Int64("elapsed_seconds", elapsed).Msg("Pause session ended")
	if c.deps.Notifier != nil {
		c.deps.Notifier.ResetScope(session.Id)
	}
	c.persist(ctx)
	c.emit()
	return nil
}

// Snapshot returns the current state with session figures recomputed from
// the clock
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     c.state,
		LastError: c.lastErr,
	}
	if c.reason != nil {
		r := *c.reason
		snap.Reason = &r
	}
	snap.Request = c.request.Clone()
	if c.session != nil {
		now := c.clock.Now()
		snap.Session = c.session.Clone()
		snap.ElapsedSeconds = c.session.Elapsed(now)
		snap.IsOverLimit = c.session.IsOverLimit(now)
		snap.OverageSeconds = c.session.Overage(now)
	}
	return snap
}

// Watch registers fn to receive a snapshot after every change and on each
// session tick
func (c *Controller) Watch(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	c.nextWatcher++
	id := c.nextWatcher
	c.watchers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) emit() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	watchers := make([]func(Snapshot), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(snap)
	}
}

// Close stops timers and subscriptions. The checkpoint is left in place so
// a later process can resume.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.epoch++
	c.stopTickLocked()
	detach := c.takeDetachLocked()
	c.watchers = make(map[uint64]func(Snapshot))
	c.mu.Unlock()

	detach()
	c.logger.Info().Msg("Pause controller closed")
	return nil
}

func (c *Controller) notify(ctx context.Context, event *proto.NotificationEvent) {
	if c.deps.Notifier == nil {
		return
	}
	c.deps.Notifier.Notify(ctx, event)
}

// removeLive deletes the agent's live request record; failures are logged
func (c *Controller) removeLive(ctx context.Context) {
	if err := c.deps.Requests.Remove(ctx, c.deps.Agent); err != nil {
		c.metrics.PauseCommandErrorsTotal.WithLabelValues("remove").Inc()
		c.logger.Warn().Err(err).Msg("Failed to remove live pause request")
	}
}

// appendHistory writes the audit record of a resolved request. It never
// fails the caller.
func (c *Controller) appendHistory(ctx context.Context, req *proto.PauseRequest) {
	if c.deps.History == nil || req == nil {
		return
	}
	record := &proto.HistoryRecord{
		RequestId:       req.Id,
		AccountId:       c.deps.Agent.AccountId,
		AgentId:         c.deps.Agent.AgentId,
		ReasonId:        req.ReasonId,
		ReasonName:      req.ReasonName,
		Status:          req.Status,
		RejectionReason: req.RejectionReason,
		RespondedBy:     req.RespondedBy,
		CreatedAt:       req.CreatedAt,
		Ts:              timestamppb.New(c.clock.Now()),
	}
	if err := c.deps.History.Append(ctx, record); err != nil {
		c.metrics.PauseHistoryWriteFailures.Inc()
		c.logger.Warn().Err(err).Str("request_id", req.Id).Msg("Failed to write pause history")
	}
}

// Variable for generating unique request and session IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
