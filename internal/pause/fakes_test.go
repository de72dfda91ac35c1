package pause

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/agentdesk/internal/clock"
	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/router"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	t0    = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	agent = proto.AgentRef{AccountId: "acme", AgentId: "agent-7", DisplayName: "Dana"}

	reasonLunch  = &proto.PauseReason{Id: "lunch", Name: "Lunch", RequiresApproval: true, TimePause: 1800}
	reasonCoffee = &proto.PauseReason{Id: "coffee", Name: "Coffee", TimePause: 300}
	reasonTrain  = &proto.PauseReason{Id: "training", Name: "Training"}
)

type fakeCatalog struct {
	reasons map[string]*proto.PauseReason
	err     error
}

func newFakeCatalog(reasons ...*proto.PauseReason) *fakeCatalog {
	c := &fakeCatalog{reasons: make(map[string]*proto.PauseReason)}
	for _, r := range reasons {
		c.reasons[r.Id] = r
	}
	return c
}

func (c *fakeCatalog) List(context.Context) ([]*proto.PauseReason, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make([]*proto.PauseReason, 0, len(c.reasons))
	for _, r := range c.reasons {
		out = append(out, r)
	}
	return out, nil
}

func (c *fakeCatalog) Get(_ context.Context, id string) (*proto.PauseReason, error) {
	if c.err != nil {
		return nil, c.err
	}
	r, ok := c.reasons[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

// fakeBackend keeps the sink of the open subscription per topic
type fakeBackend struct {
	mu           sync.Mutex
	sinks        map[string]domain.Sink
	subscribes   int
	unsubscribes int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sinks: make(map[string]domain.Sink)}
}

func (b *fakeBackend) Subscribe(key string, sink domain.Sink) func() {
	b.mu.Lock()
	b.sinks[key] = sink
	b.subscribes++
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.sinks, key)
		b.unsubscribes++
		b.mu.Unlock()
	}
}

func (b *fakeBackend) replace(key string, data any) {
	b.mu.Lock()
	sink := b.sinks[key]
	b.mu.Unlock()
	if sink != nil {
		sink.Replace(data)
	}
}

func (b *fakeBackend) open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes - b.unsubscribes
}

// fakeRequests is the live request store; responses are pushed through
// the backend the way a supervisor console would
type fakeRequests struct {
	mu        sync.Mutex
	backend   *fakeBackend
	records   map[string]*proto.PauseRequest
	createErr error
	removeErr error
	getErr    error
	removes   int
}

func newFakeRequests(backend *fakeBackend) *fakeRequests {
	return &fakeRequests{backend: backend, records: make(map[string]*proto.PauseRequest)}
}

func (s *fakeRequests) Create(_ context.Context, req *proto.PauseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.records[TopicKey(proto.AgentRef{AccountId: req.AccountId, AgentId: req.AgentId})] = req.Clone()
	return nil
}

func (s *fakeRequests) Respond(_ context.Context, a proto.AgentRef, status proto.RequestStatus, reason string) error {
	s.mu.Lock()
	rec, ok := s.records[TopicKey(a)]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	rec.Status = status
	rec.RejectionReason = reason
	rec.RespondedBy = "supervisor-1"
	update := rec.Clone()
	s.mu.Unlock()

	s.backend.replace(TopicKey(a), update)
	return nil
}

func (s *fakeRequests) Remove(_ context.Context, a proto.AgentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes++
	if s.removeErr != nil {
		return s.removeErr
	}
	delete(s.records, TopicKey(a))
	return nil
}

func (s *fakeRequests) Get(_ context.Context, a proto.AgentRef) (*proto.PauseRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[TopicKey(a)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

type fakeSessions struct {
	mu       sync.Mutex
	clock    *clock.FakeClock
	starts   []string
	ends     []string
	startErr error
	endErr   error
	onStart  func()
}

func (s *fakeSessions) StartSession(_ context.Context, _ proto.AgentRef, reasonID string) (*proto.SessionHandle, error) {
	s.mu.Lock()
	s.starts = append(s.starts, reasonID)
	n := len(s.starts)
	hook, err := s.onStart, s.startErr
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &proto.SessionHandle{
		CorrelationId: fmt.Sprintf("corr-%d", n),
		StartedAt:     timestamppb.New(s.clock.Now()),
	}, nil
}

func (s *fakeSessions) EndSession(_ context.Context, _ proto.AgentRef, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, correlationID)
	return s.endErr
}

func (s *fakeSessions) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []*proto.HistoryRecord
	err     error
}

func (h *fakeHistory) Append(_ context.Context, rec *proto.HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.records = append(h.records, rec)
	return nil
}

func (h *fakeHistory) List(context.Context, proto.AgentRef, int) ([]*proto.HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*proto.HistoryRecord(nil), h.records...), nil
}

type fakeCheckpoints struct {
	mu     sync.Mutex
	cp     *proto.Checkpoint
	clears int

	// onSave runs before a save is stored
	onSave func(cp *proto.Checkpoint)
}

func (s *fakeCheckpoints) Load(context.Context, proto.AgentRef) (*proto.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp == nil {
		return nil, domain.ErrNotFound
	}
	return s.cp, nil
}

func (s *fakeCheckpoints) Save(_ context.Context, _ proto.AgentRef, cp *proto.Checkpoint) error {
	s.mu.Lock()
	hook := s.onSave
	s.mu.Unlock()
	if hook != nil {
		hook(cp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = cp
	return nil
}

func (s *fakeCheckpoints) Clear(context.Context, proto.AgentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = nil
	s.clears++
	return nil
}

func (s *fakeCheckpoints) current() *proto.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp
}

// fakeNotifier records every event handed to it, without dedup, so tests
// see exactly what the controller emits
type fakeNotifier struct {
	mu     sync.Mutex
	events []*proto.NotificationEvent
	resets []string
}

func (n *fakeNotifier) Notify(_ context.Context, ev *proto.NotificationEvent) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return true
}

func (n *fakeNotifier) ResetScope(scope string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets = append(n.resets, scope)
}

func (n *fakeNotifier) keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		keys = append(keys, ev.DedupKey)
	}
	return keys
}

func (n *fakeNotifier) last() *proto.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return nil
	}
	return n.events[len(n.events)-1]
}

type harness struct {
	clock       *clock.FakeClock
	router      *router.Router
	backend     *fakeBackend
	catalog     *fakeCatalog
	requests    *fakeRequests
	sessions    *fakeSessions
	history     *fakeHistory
	checkpoints *fakeCheckpoints
	notifier    *fakeNotifier
	ctrl        *Controller

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clock.NewFake(t0)
	backend := newFakeBackend()
	h := &harness{
		clock:       fake,
		router:      router.NewRouter(router.Config{Clock: fake}),
		backend:     backend,
		catalog:     newFakeCatalog(reasonLunch, reasonCoffee, reasonTrain),
		requests:    newFakeRequests(backend),
		sessions:    &fakeSessions{clock: fake},
		history:     &fakeHistory{},
		checkpoints: &fakeCheckpoints{},
		notifier:    &fakeNotifier{},
	}

	ctrl, err := NewController(DefaultConfig(), Dependencies{
		Agent:       agent,
		Catalog:     h.catalog,
		Requests:    h.requests,
		Sessions:    h.sessions,
		History:     h.history,
		Checkpoints: h.checkpoints,
		Topics:      h.router,
		Backend:     backend,
		Notifier:    h.notifier,
		Clock:       fake,
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	ctrl.Watch(func(s Snapshot) {
		h.mu.Lock()
		h.states = append(h.states, s.State)
		h.mu.Unlock()
	})

	t.Cleanup(func() {
		ctrl.Close()
		h.router.Close()
	})
	return h
}

func (h *harness) seen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

// tick advances the clock one second at a time so every tick fires
func (h *harness) tick(seconds int) {
	for i := 0; i < seconds; i++ {
		h.clock.Advance(time.Second)
	}
}

func (h *harness) respond(status proto.RequestStatus, reason string) {
	_ = h.requests.Respond(context.Background(), agent, status, reason)
}

// requestLunch drives the controller into WaitingApproval
func (h *harness) requestLunch(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.ctrl.SelectReason(ctx, reasonLunch.Id))
	require.NoError(t, h.ctrl.ConfirmStart(ctx))
	require.Equal(t, StateWaitingApproval, h.ctrl.Snapshot().State)
}

var errBackendDown = errors.New("backend down")
