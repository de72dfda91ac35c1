package pause

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/agentdesk/internal/metrics"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func init() {
	var mu sync.Mutex
	var counter int
	generateID = func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("id-%03d", counter)
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTransitionsTable(t *testing.T) {
	seen := make(map[string]bool)
	for _, tr := range transitionsTable {
		key := string(tr.From) + "/" + string(tr.Event)
		assert.False(t, seen[key], "duplicate transition %s", key)
		seen[key] = true
	}

	tests := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{StateIdle, EvReasonSelected, StateRequesting, true},
		{StateRequesting, EvApprovalRequested, StateWaitingApproval, true},
		{StateWaitingApproval, EvApproved, StateActive, true},
		{StateActive, EvEndRequested, StateEnding, true},
		{StateEnding, EvEndFailed, StateActive, true},
		{StateActive, EvReasonSelected, "", false},
		{StateIdle, EvApproved, "", false},
		{StateWaitingApproval, EvSessionStarted, "", false},
		{StateActive, EvResumeActive, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.ev), func(t *testing.T) {
			tr, ok := TransitionFor(tt.from, tt.ev)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.to, tr.To)
			}
		})
	}
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController(DefaultConfig(), Dependencies{Agent: agent})
	assert.Error(t, err)
}

func TestSelectReason(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown reason", func(t *testing.T) {
		h := newHarness(t)
		err := h.ctrl.SelectReason(ctx, "nap")
		assert.ErrorIs(t, err, ErrUnknownReason)
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
	})

	t.Run("catalog unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.catalog.err = errBackendDown
		err := h.ctrl.SelectReason(ctx, reasonLunch.Id)
		assert.ErrorIs(t, err, ErrCatalogUnavailable)
		assert.ErrorIs(t, err, errBackendDown)
	})

	t.Run("reselect while requesting", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ctrl.SelectReason(ctx, reasonLunch.Id))
		require.NoError(t, h.ctrl.SelectReason(ctx, reasonCoffee.Id))
		snap := h.ctrl.Snapshot()
		assert.Equal(t, StateRequesting, snap.State)
		assert.Equal(t, reasonCoffee.Id, snap.Reason.Id)
	})

	t.Run("ignored while active", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ctrl.SelectReason(ctx, reasonCoffee.Id))
		require.NoError(t, h.ctrl.ConfirmStart(ctx))
		require.NoError(t, h.ctrl.SelectReason(ctx, reasonLunch.Id))
		snap := h.ctrl.Snapshot()
		assert.Equal(t, StateActive, snap.State)
		assert.Equal(t, reasonCoffee.Id, snap.Session.ReasonId)
	})
}

func TestDirectStartNeverWaitsForApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.SelectReason(ctx, reasonCoffee.Id))
	require.NoError(t, h.ctrl.ConfirmStart(ctx))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.NotContains(t, h.seen(), StateWaitingApproval)
	assert.Equal(t, 0, h.backend.open(), "no request topic for a direct start")

	_, err := h.requests.Get(ctx, agent)
	assert.Error(t, err, "no live request for a direct start")

	require.NotNil(t, snap.Session)
	assert.Equal(t, "corr-1", snap.Session.CorrelationId)
	assert.Equal(t, int64(300), snap.Session.DurationLimitSeconds)
	assert.Contains(t, h.notifier.resets, snap.Session.Id)

	cp := h.checkpoints.current()
	require.NotNil(t, cp)
	assert.Equal(t, string(StateActive), cp.State)
}

func TestDirectStartFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sessions.startErr = errBackendDown

	require.NoError(t, h.ctrl.SelectReason(ctx, reasonCoffee.Id))
	err := h.ctrl.ConfirmStart(ctx)
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.ErrorIs(t, err, errBackendDown)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, errBackendDown.Error(), snap.LastError)
	assert.Nil(t, snap.Session)
}

func TestRequestFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.requests.createErr = errBackendDown

	require.NoError(t, h.ctrl.SelectReason(ctx, reasonLunch.Id))
	err := h.ctrl.ConfirmStart(ctx)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
	assert.Equal(t, 0, h.backend.open())
}

func TestLunchScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.requestLunch(t)
	req, err := h.requests.Get(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, proto.RequestStatus_PENDING, req.Status)
	assert.Equal(t, 1, h.backend.open())

	cp := h.checkpoints.current()
	require.NotNil(t, cp)
	assert.Equal(t, string(StateWaitingApproval), cp.State)
	assert.Equal(t, req.Id, cp.Request.Id)

	h.clock.Advance(10 * time.Second)
	h.respond(proto.RequestStatus_APPROVED, "")

	snap := h.ctrl.Snapshot()
	require.Equal(t, StateActive, snap.State)
	require.NotNil(t, snap.Session)
	assert.Equal(t, t0.Add(10*time.Second), snap.Session.StartedAt.AsTime())
	assert.Equal(t, []string{reasonLunch.Id}, h.sessions.starts)
	assert.Equal(t, 0, h.backend.open(), "request topic detached after approval")

	_, err = h.requests.Get(ctx, agent)
	assert.Error(t, err, "live request removed once resolved")

	require.Len(t, h.history.records, 1)
	assert.Equal(t, proto.RequestStatus_APPROVED, h.history.records[0].Status)
	assert.Equal(t, "supervisor-1", h.history.records[0].RespondedBy)
	assert.Equal(t, []string{"approved:" + req.Id}, h.notifier.keys())
	assert.Equal(t, proto.SoundClass_APPROVED, h.notifier.last().SoundClass)

	h.tick(1439)
	assert.Equal(t, []string{"approved:" + req.Id}, h.notifier.keys(), "no warning before 80%")

	h.tick(1)
	assert.Equal(t, []string{"approved:" + req.Id, "warning:Lunch"}, h.notifier.keys())
	warning := h.notifier.last()
	assert.Equal(t, snap.Session.Id, warning.Scope)
	assert.Equal(t, proto.SoundClass_WARNING, warning.SoundClass)
	assert.False(t, h.ctrl.Snapshot().IsOverLimit)

	h.tick(359)
	assert.Len(t, h.notifier.keys(), 2)

	h.tick(1)
	assert.Equal(t, []string{"approved:" + req.Id, "warning:Lunch", "exceeded:Lunch"}, h.notifier.keys())
	assert.Equal(t, []string{"end"}, h.notifier.last().Actions)

	h.tick(5)
	snap = h.ctrl.Snapshot()
	assert.True(t, snap.IsOverLimit)
	assert.Equal(t, int64(1805), snap.ElapsedSeconds)
	assert.Equal(t, int64(5), snap.OverageSeconds)
	assert.Len(t, h.notifier.keys(), 3, "exceeded fires once")

	cp = h.checkpoints.current()
	require.NotNil(t, cp)
	assert.True(t, cp.Warned)
	assert.True(t, cp.Exceeded)
}

func TestRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.requestLunch(t)
	req, err := h.requests.Get(ctx, agent)
	require.NoError(t, err)

	h.respond(proto.RequestStatus_REJECTED, "Queue is too long")

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Request)
	assert.Contains(t, h.seen(), StateRejected)
	assert.Equal(t, 0, h.backend.open())

	_, err = h.requests.Get(ctx, agent)
	assert.Error(t, err, "live request absent after rejection")

	require.Len(t, h.history.records, 1)
	assert.Equal(t, proto.RequestStatus_REJECTED, h.history.records[0].Status)
	assert.Equal(t, "Queue is too long", h.history.records[0].RejectionReason)

	require.Equal(t, []string{"rejected:" + req.Id}, h.notifier.keys())
	assert.Equal(t, "Queue is too long", h.notifier.last().Body)
	assert.Equal(t, proto.SoundClass_REJECTED, h.notifier.last().SoundClass)

	assert.Nil(t, h.checkpoints.current())
	assert.Zero(t, h.sessions.startCount())
}

func TestDuplicateTerminalStatusHandledOnce(t *testing.T) {
	t.Run("rejected twice", func(t *testing.T) {
		h := newHarness(t)
		h.requestLunch(t)
		req := h.ctrl.Snapshot().Request

		update := req.Clone()
		update.Status = proto.RequestStatus_REJECTED
		key := TopicKey(agent)
		sink := h.backend.sinks[key]
		sink.Replace(update)
		sink.Replace(update.Clone())

		assert.Len(t, h.history.records, 1)
		assert.Len(t, h.notifier.keys(), 1)
	})

	t.Run("approved twice", func(t *testing.T) {
		h := newHarness(t)
		h.requestLunch(t)
		req := h.ctrl.Snapshot().Request

		update := req.Clone()
		update.Status = proto.RequestStatus_APPROVED
		sink := h.backend.sinks[TopicKey(agent)]
		sink.Replace(update)
		sink.Replace(update.Clone())

		assert.Equal(t, 1, h.sessions.startCount())
		assert.Len(t, h.history.records, 1)
		assert.Equal(t, StateActive, h.ctrl.Snapshot().State)
	})

	t.Run("status for another request", func(t *testing.T) {
		h := newHarness(t)
		h.requestLunch(t)

		other := &proto.PauseRequest{Id: "someone-else", Status: proto.RequestStatus_APPROVED}
		h.backend.replace(TopicKey(agent), other)
		h.backend.replace(TopicKey(agent), nil)

		assert.Equal(t, StateWaitingApproval, h.ctrl.Snapshot().State)
		assert.Zero(t, h.sessions.startCount())
	})
}

func TestBackendCancellation(t *testing.T) {
	h := newHarness(t)
	h.requestLunch(t)
	req := h.ctrl.Snapshot().Request

	h.respond(proto.RequestStatus_CANCELED, "")

	assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
	assert.Contains(t, h.seen(), StateCanceled)
	assert.Equal(t, []string{"canceled:" + req.Id}, h.notifier.keys())
	require.Len(t, h.history.records, 1)
	assert.Equal(t, proto.RequestStatus_CANCELED, h.history.records[0].Status)
}

func TestApprovedButStartFails(t *testing.T) {
	h := newHarness(t)
	h.requestLunch(t)
	req := h.ctrl.Snapshot().Request
	h.sessions.startErr = errBackendDown

	h.respond(proto.RequestStatus_APPROVED, "")

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, errBackendDown.Error(), snap.LastError)
	assert.Equal(t, []string{"start-failed:" + req.Id}, h.notifier.keys())
	assert.Len(t, h.history.records, 1, "the approval itself is still recorded")
	assert.Nil(t, h.checkpoints.current())
}

func TestCancelWaiting(t *testing.T) {
	ctx := context.Background()

	t.Run("withdraws request", func(t *testing.T) {
		h := newHarness(t)
		h.requestLunch(t)

		require.NoError(t, h.ctrl.CancelWaiting(ctx))

		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
		assert.Equal(t, 0, h.backend.open())
		_, err := h.requests.Get(ctx, agent)
		assert.Error(t, err)

		require.Len(t, h.history.records, 1)
		assert.Equal(t, proto.RequestStatus_CANCELED, h.history.records[0].Status)
		assert.Equal(t, agent.AgentId, h.history.records[0].RespondedBy)
		assert.Empty(t, h.notifier.keys(), "agent-initiated cancel is silent")
		assert.Nil(t, h.checkpoints.current())
	})

	t.Run("remove failure still returns idle", func(t *testing.T) {
		h := newHarness(t)
		h.requestLunch(t)
		h.requests.removeErr = errBackendDown

		require.NoError(t, h.ctrl.CancelWaiting(ctx))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
		assert.Equal(t, 1, h.requests.removes)
	})

	t.Run("abandons selection", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ctrl.SelectReason(ctx, reasonLunch.Id))
		require.NoError(t, h.ctrl.CancelWaiting(ctx))

		snap := h.ctrl.Snapshot()
		assert.Equal(t, StateIdle, snap.State)
		assert.Nil(t, snap.Reason)
		assert.Empty(t, h.history.records)
	})

	t.Run("no-op when idle", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ctrl.CancelWaiting(ctx))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
	})
}

func TestStaleStartCompletionDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := metrics.GetMetrics().PauseStaleCompletionsTotal
	before := metrics.Value(stale)

	require.NoError(t, h.ctrl.SelectReason(ctx, reasonCoffee.Id))
	h.sessions.onStart = func() {
		require.NoError(t, h.ctrl.CancelWaiting(ctx))
	}

	require.NoError(t, h.ctrl.ConfirmStart(ctx))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Session)
	assert.Equal(t, []string{"corr-1"}, h.sessions.ends, "orphaned session is ended")
	assert.Equal(t, 1.0, metrics.Value(stale)-before)
	assert.Nil(t, h.checkpoints.current())
}

func TestEndPause(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ctrl.SelectReason(ctx, reasonCoffee.Id))
		require.NoError(t, h.ctrl.ConfirmStart(ctx))
		session := h.ctrl.Snapshot().Session
		h.tick(30)

		require.NoError(t, h.ctrl.EndPause(ctx))

		snap := h.ctrl.Snapshot()
		assert.Equal(t, StateIdle, snap.State)
		assert.Nil(t, snap.Session)
		assert.Contains(t, h.seen(), StateEnding)
		assert.Equal(t, []string{session.CorrelationId}, h.sessions.ends)
		assert.Nil(t, h.checkpoints.current())

		// ticks stop with the session
		h.tick(600)
		assert.Empty(t, h.notifier.keys())
		assert.Zero(t, h.clock.PendingCount())
	})

	t.Run("failure keeps session active", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ctrl.SelectReason(ctx, reasonCoffee.Id))
		require.NoError(t, h.ctrl.ConfirmStart(ctx))
		h.sessions.endErr = errBackendDown

		err := h.ctrl.EndPause(ctx)
		assert.ErrorIs(t, err, ErrEndFailed)

		snap := h.ctrl.Snapshot()
		assert.Equal(t, StateActive, snap.State)
		assert.NotNil(t, snap.Session)
		assert.Equal(t, errBackendDown.Error(), snap.LastError)

		// the session keeps ticking
		h.tick(240)
		assert.Equal(t, []string{"warning:Coffee"}, h.notifier.keys())

		h.sessions.endErr = nil
		require.NoError(t, h.ctrl.EndPause(ctx))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
	})

	t.Run("no-op when idle", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ctrl.EndPause(ctx))
		assert.Empty(t, h.sessions.ends)
	})
}

func TestCheckpointWriteNeverOutlivesEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.SelectReason(ctx, reasonCoffee.Id))
	require.NoError(t, h.ctrl.ConfirmStart(ctx))
	require.NotNil(t, h.checkpoints.current())

	// the warning tick saves a checkpoint while the agent ends the pause
	ended := make(chan error, 1)
	var once sync.Once
	h.checkpoints.onSave = func(cp *proto.Checkpoint) {
		if !cp.Warned {
			return
		}
		once.Do(func() {
			go func() { ended <- h.ctrl.EndPause(ctx) }()
			deadline := time.Now().Add(2 * time.Second)
			for h.ctrl.Snapshot().State != StateIdle && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		})
	}

	h.tick(250)
	require.NoError(t, <-ended)
	assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
	assert.Nil(t, h.checkpoints.current(), "ended session must not be resumed")
}

func TestUnlimitedSessionRaisesNoAlerts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.SelectReason(ctx, reasonTrain.Id))
	require.NoError(t, h.ctrl.ConfirmStart(ctx))
	h.clock.Advance(5 * time.Hour)
	h.tick(2)

	snap := h.ctrl.Snapshot()
	assert.False(t, snap.IsOverLimit)
	assert.Zero(t, snap.OverageSeconds)
	assert.Empty(t, h.notifier.keys())
}

func TestResume(t *testing.T) {
	ctx := context.Background()

	pending := func(age time.Duration, reasonID string) *proto.PauseRequest {
		return &proto.PauseRequest{
			Id:               "req-resume",
			AccountId:        agent.AccountId,
			AgentId:          agent.AgentId,
			ReasonId:         reasonID,
			ReasonName:       "Lunch",
			RequiresApproval: true,
			TimePause:        1800,
			Status:           proto.RequestStatus_PENDING,
			CreatedAt:        timestamppb.New(t0.Add(-age)),
		}
	}

	t.Run("fresh waiting request", func(t *testing.T) {
		h := newHarness(t)
		req := pending(time.Hour, reasonLunch.Id)
		require.NoError(t, h.requests.Create(ctx, req))
		h.checkpoints.cp = &proto.Checkpoint{State: string(StateWaitingApproval), Request: req}

		require.NoError(t, h.ctrl.Resume(ctx))
		assert.Equal(t, StateWaitingApproval, h.ctrl.Snapshot().State)
		assert.Equal(t, 1, h.backend.open())

		h.respond(proto.RequestStatus_APPROVED, "")
		assert.Equal(t, StateActive, h.ctrl.Snapshot().State)
		assert.Equal(t, []string{"approved:req-resume"}, h.notifier.keys())
	})

	t.Run("stale waiting request", func(t *testing.T) {
		h := newHarness(t)
		req := pending(13*time.Hour, reasonLunch.Id)
		require.NoError(t, h.requests.Create(ctx, req))
		h.checkpoints.cp = &proto.Checkpoint{State: string(StateWaitingApproval), Request: req}

		require.NoError(t, h.ctrl.Resume(ctx))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
		assert.Equal(t, 0, h.backend.open())
		assert.Nil(t, h.checkpoints.current())
		_, err := h.requests.Get(ctx, agent)
		assert.Error(t, err, "stale live record removed")
	})

	t.Run("reason no longer offered", func(t *testing.T) {
		h := newHarness(t)
		req := pending(time.Minute, "retired")
		h.checkpoints.cp = &proto.Checkpoint{State: string(StateWaitingApproval), Request: req}

		require.NoError(t, h.ctrl.Resume(ctx))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
		assert.Nil(t, h.checkpoints.current())
	})

	t.Run("live record gone", func(t *testing.T) {
		h := newHarness(t)
		h.checkpoints.cp = &proto.Checkpoint{State: string(StateWaitingApproval), Request: pending(time.Hour, reasonLunch.Id)}

		require.NoError(t, h.ctrl.Resume(ctx))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
		assert.Equal(t, 0, h.backend.open(), "no topic left to wait on")
		assert.Nil(t, h.checkpoints.current())

		h.clock.Advance(6 * time.Hour)
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
	})

	t.Run("live record replaced", func(t *testing.T) {
		h := newHarness(t)
		newer := pending(time.Minute, reasonLunch.Id)
		newer.Id = "req-newer"
		require.NoError(t, h.requests.Create(ctx, newer))
		h.checkpoints.cp = &proto.Checkpoint{State: string(StateWaitingApproval), Request: pending(time.Hour, reasonLunch.Id)}

		require.NoError(t, h.ctrl.Resume(ctx))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
		assert.Nil(t, h.checkpoints.current())

		live, err := h.requests.Get(ctx, agent)
		require.NoError(t, err)
		assert.Equal(t, "req-newer", live.Id, "the other request is left alone")
		assert.Equal(t, 0, h.requests.removes)
	})

	t.Run("answered while down", func(t *testing.T) {
		h := newHarness(t)
		req := pending(time.Hour, reasonLunch.Id)
		h.checkpoints.cp = &proto.Checkpoint{State: string(StateWaitingApproval), Request: req.Clone()}
		req.Status = proto.RequestStatus_REJECTED
		req.RejectionReason = "Queue is too long"
		require.NoError(t, h.requests.Create(ctx, req))

		require.NoError(t, h.ctrl.Resume(ctx))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
		assert.Equal(t, []string{"rejected:req-resume"}, h.notifier.keys())
		assert.Equal(t, 0, h.backend.open())
		assert.Nil(t, h.checkpoints.current())
	})

	t.Run("live record unreadable", func(t *testing.T) {
		h := newHarness(t)
		req := pending(time.Hour, reasonLunch.Id)
		require.NoError(t, h.requests.Create(ctx, req))
		h.requests.getErr = errBackendDown
		h.checkpoints.cp = &proto.Checkpoint{State: string(StateWaitingApproval), Request: req}

		require.NoError(t, h.ctrl.Resume(ctx))
		assert.Equal(t, StateWaitingApproval, h.ctrl.Snapshot().State)
		assert.Equal(t, 1, h.backend.open())
	})

	t.Run("active session", func(t *testing.T) {
		h := newHarness(t)
		h.checkpoints.cp = &proto.Checkpoint{
			State: string(StateActive),
			Session: &proto.PauseSession{
				Id:                   "sess-1",
				CorrelationId:        "corr-9",
				ReasonId:             reasonLunch.Id,
				ReasonName:           "Lunch",
				StartedAt:            timestamppb.New(t0.Add(-10 * time.Minute)),
				DurationLimitSeconds: 900,
			},
		}

		require.NoError(t, h.ctrl.Resume(ctx))
		snap := h.ctrl.Snapshot()
		assert.Equal(t, StateActive, snap.State)
		assert.Equal(t, int64(600), snap.ElapsedSeconds, "elapsed comes from the original start")

		h.tick(120)
		assert.Equal(t, []string{"warning:Lunch"}, h.notifier.keys())
		assert.Equal(t, "sess-1", h.notifier.last().Scope)
	})

	t.Run("first tick already past limit", func(t *testing.T) {
		h := newHarness(t)
		h.checkpoints.cp = &proto.Checkpoint{
			State: string(StateActive),
			Session: &proto.PauseSession{
				Id:                   "sess-2",
				ReasonName:           "Lunch",
				StartedAt:            timestamppb.New(t0.Add(-2000 * time.Second)),
				DurationLimitSeconds: 1800,
			},
		}

		require.NoError(t, h.ctrl.Resume(ctx))
		h.tick(3)
		assert.Equal(t, []string{"exceeded:Lunch"}, h.notifier.keys())
		assert.Equal(t, int64(203), h.ctrl.Snapshot().OverageSeconds)
	})

	t.Run("alerts already fired", func(t *testing.T) {
		h := newHarness(t)
		h.checkpoints.cp = &proto.Checkpoint{
			State:    string(StateActive),
			Warned:   true,
			Exceeded: true,
			Session: &proto.PauseSession{
				Id:                   "sess-3",
				ReasonName:           "Lunch",
				StartedAt:            timestamppb.New(t0.Add(-2000 * time.Second)),
				DurationLimitSeconds: 1800,
			},
		}

		require.NoError(t, h.ctrl.Resume(ctx))
		h.tick(3)
		assert.Empty(t, h.notifier.keys())
	})

	t.Run("no checkpoint", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ctrl.Resume(ctx))
		assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
	})
}

func TestCloseStopsEverything(t *testing.T) {
	h := newHarness(t)
	h.requestLunch(t)

	require.NoError(t, h.ctrl.Close())
	assert.Equal(t, 0, h.backend.open())
	assert.NotNil(t, h.checkpoints.current(), "checkpoint kept for the next process")

	h.respond(proto.RequestStatus_APPROVED, "")
	assert.Zero(t, h.sessions.startCount())
}

func TestWatchCancel(t *testing.T) {
	h := newHarness(t)
	var calls int
	cancel := h.ctrl.Watch(func(Snapshot) { calls++ })

	require.NoError(t, h.ctrl.SelectReason(context.Background(), reasonCoffee.Id))
	cancel()
	require.NoError(t, h.ctrl.CancelWaiting(context.Background()))
	assert.Equal(t, 1, calls)
}
