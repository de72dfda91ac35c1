package domain

import (
	"context"
	"errors"

	"github.com/nkkko/agentdesk/pkg/proto"
)

// ErrNotFound is returned by stores when a keyed record does not exist
var ErrNotFound = errors.New("not found")

// Sink receives everything a backend subscription produces for one topic
type Sink interface {
	// Next delivers an incremental update; rapid updates may be coalesced
	Next(data any)

	// Replace delivers an authoritative value that is fanned out at once
	Replace(data any)

	// Fail forwards a backend error to every consumer of the topic
	Fail(err error)
}

// Backend opens live subscriptions against the remote data store
type Backend interface {
	// Subscribe starts streaming topicKey into sink and returns the function
	// that stops it. Sink methods are called from backend goroutines, never
	// from inside Subscribe itself.
	Subscribe(topicKey string, sink Sink) (unsubscribe func())
}

// PauseRequestStore holds the live pending request of each agent
type PauseRequestStore interface {
	// Create stores a new pending request for the request's agent
	Create(ctx context.Context, req *proto.PauseRequest) error

	// Respond records a terminal status for the agent's request
	Respond(ctx context.Context, agent proto.AgentRef, status proto.RequestStatus, reason string) error

	// Remove deletes the agent's live request; removing nothing is not an error
	Remove(ctx context.Context, agent proto.AgentRef) error

	// Get returns the agent's live request or ErrNotFound
	Get(ctx context.Context, agent proto.AgentRef) (*proto.PauseRequest, error)
}

// SessionAPI starts and ends pause sessions on the console backend
type SessionAPI interface {
	StartSession(ctx context.Context, agent proto.AgentRef, reasonID string) (*proto.SessionHandle, error)
	EndSession(ctx context.Context, agent proto.AgentRef, correlationID string) error
}

// HistoryStore is the best-effort audit trail of resolved requests
type HistoryStore interface {
	Append(ctx context.Context, record *proto.HistoryRecord) error
	List(ctx context.Context, agent proto.AgentRef, limit int) ([]*proto.HistoryRecord, error)
}

// VisibilitySource reports whether the console is in front of the user
type VisibilitySource interface {
	IsVisible() bool
	IsFocused() bool

	// OnChange registers fn for visibility changes and returns a function
	// that unregisters it
	OnChange(fn func(visible, focused bool)) (cancel func())
}

// SoundPlayer plays a named sound class
type SoundPlayer interface {
	Play(ctx context.Context, class proto.SoundClass, volume float64) error
}

// PushNotifier shows permission-gated system notifications
type PushNotifier interface {
	CanNotify() bool
	Show(ctx context.Context, title, body string, actions []string) error
}

// InAppPresenter renders banners and toasts inside the console
type InAppPresenter interface {
	Show(event *proto.NotificationEvent)
}

// ViewedLedger is the durable record of chat messages the user has opened
type ViewedLedger interface {
	IsViewed(ctx context.Context, messageID string) (bool, error)
	MarkViewed(ctx context.Context, messageID string) error
}

// CheckpointStore persists the pause controller state across restarts
type CheckpointStore interface {
	// Load returns the agent's checkpoint or ErrNotFound
	Load(ctx context.Context, agent proto.AgentRef) (*proto.Checkpoint, error)
	Save(ctx context.Context, agent proto.AgentRef, cp *proto.Checkpoint) error
	Clear(ctx context.Context, agent proto.AgentRef) error
}

// ReasonCatalog lists the pause reasons an agent may select
type ReasonCatalog interface {
	List(ctx context.Context) ([]*proto.PauseReason, error)

	// Get returns the reason with id or ErrNotFound
	Get(ctx context.Context, id string) (*proto.PauseReason, error)
}
