package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	base   = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	agentA = proto.AgentRef{AccountId: "acme", AgentId: "agent-1"}
	agentB = proto.AgentRef{AccountId: "acme", AgentId: "agent-2"}
)

func openTestStorage(t *testing.T, config Config) *Storage {
	t.Helper()
	if config.DataDir == "" && !config.InMemory {
		config.DataDir = t.TempDir()
	}
	s, err := NewStorage(config)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func historyRecord(agent proto.AgentRef, id string, status proto.RequestStatus, at time.Time) *proto.HistoryRecord {
	return &proto.HistoryRecord{
		RequestId:  id,
		AccountId:  agent.AccountId,
		AgentId:    agent.AgentId,
		ReasonId:   "lunch",
		ReasonName: "Lunch",
		Status:     status,
		Ts:         timestamppb.New(at),
	}
}

func TestHistoryAppendAndList(t *testing.T) {
	s := openTestStorage(t, Config{InMemory: true})
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, historyRecord(agentA, "r1", proto.RequestStatus_APPROVED, base)))
	require.NoError(t, s.Append(ctx, historyRecord(agentA, "r2", proto.RequestStatus_REJECTED, base.Add(time.Hour))))
	require.NoError(t, s.Append(ctx, historyRecord(agentA, "r3", proto.RequestStatus_CANCELED, base.Add(2*time.Hour))))
	require.NoError(t, s.Append(ctx, historyRecord(agentB, "other", proto.RequestStatus_APPROVED, base.Add(3*time.Hour))))

	records, err := s.List(ctx, agentA, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "r3", records[0].RequestId, "most recent first")
	assert.Equal(t, "r1", records[2].RequestId)

	records, err = s.List(ctx, agentA, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r2", records[1].RequestId)

	records, err = s.List(ctx, proto.AgentRef{AccountId: "acme", AgentId: "nobody"}, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHistoryRequiresTimestamp(t *testing.T) {
	s := openTestStorage(t, Config{InMemory: true})
	assert.Error(t, s.Append(context.Background(), &proto.HistoryRecord{RequestId: "r1"}))
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStorage(t, Config{InMemory: true})
	ctx := context.Background()

	_, err := s.Load(ctx, agentA)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cp := &proto.Checkpoint{
		State: "Active",
		Session: &proto.PauseSession{
			Id:                   "sess-1",
			StartedAt:            timestamppb.New(base),
			DurationLimitSeconds: 1800,
		},
		Warned:  true,
		SavedAt: timestamppb.New(base),
	}
	require.NoError(t, s.Save(ctx, agentA, cp))

	loaded, err := s.Load(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, "Active", loaded.State)
	assert.Equal(t, "sess-1", loaded.Session.Id)
	assert.Equal(t, base, loaded.Session.StartedAt.AsTime())
	assert.True(t, loaded.Warned)

	_, err = s.Load(ctx, agentB)
	assert.ErrorIs(t, err, domain.ErrNotFound, "checkpoints are per agent")

	require.NoError(t, s.Clear(ctx, agentA))
	_, err = s.Load(ctx, agentA)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, s.Clear(ctx, agentA), "clearing twice is fine")
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewStorage(Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, agentA, &proto.Checkpoint{State: "WaitingApproval", Request: &proto.PauseRequest{Id: "r1"}}))
	require.NoError(t, s.MarkViewed(ctx, "msg-1"))
	require.NoError(t, s.Shutdown(ctx))

	s = openTestStorage(t, Config{DataDir: dir})
	cp, err := s.Load(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, "r1", cp.Request.Id)

	viewed, err := s.IsViewed(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, viewed)
}

func TestViewedLedgerBounded(t *testing.T) {
	s := openTestStorage(t, Config{InMemory: true, ViewedLimit: 3})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.MarkViewed(ctx, fmt.Sprintf("msg-%d", i)))
	}
	require.NoError(t, s.MarkViewed(ctx, "msg-5"), "marking twice is a no-op")

	for i := 1; i <= 5; i++ {
		viewed, err := s.IsViewed(ctx, fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
		assert.Equal(t, i > 2, viewed, "msg-%d", i)
	}
	assert.Equal(t, 3, s.viewedCount)
}

func TestViewedLedgerCountRestoredOnOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewStorage(Config{DataDir: dir, ViewedLimit: 2})
	require.NoError(t, err)
	require.NoError(t, s.MarkViewed(ctx, "a"))
	require.NoError(t, s.MarkViewed(ctx, "b"))
	require.NoError(t, s.Shutdown(ctx))

	s = openTestStorage(t, Config{DataDir: dir, ViewedLimit: 2})
	assert.Equal(t, 2, s.viewedCount)
	require.NoError(t, s.MarkViewed(ctx, "c"))

	viewed, err := s.IsViewed(ctx, "a")
	require.NoError(t, err)
	assert.False(t, viewed, "oldest entry evicted after reopen")
}

func TestReasonsPersisted(t *testing.T) {
	s := openTestStorage(t, Config{InMemory: true})
	ctx := context.Background()

	_, err := s.LoadReasons(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.SaveReasons(ctx, []*proto.PauseReason{{Id: "lunch", Name: "Lunch", TimePause: 1800}}))
	reasons, err := s.LoadReasons(ctx)
	require.NoError(t, err)
	require.Len(t, reasons, 1)
	assert.Equal(t, int64(1800), reasons[0].TimePause)
}

func TestStartStopsWithContext(t *testing.T) {
	s := openTestStorage(t, Config{InMemory: true, MetricsInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
}
