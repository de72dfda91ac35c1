package proto

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// RequestStatus is the approval status of a pause request
type RequestStatus string

const (
	RequestStatus_PENDING  RequestStatus = "pending"
	RequestStatus_APPROVED RequestStatus = "approved"
	RequestStatus_REJECTED RequestStatus = "rejected"
	RequestStatus_CANCELED RequestStatus = "canceled"
)

// IsTerminal reports whether the status can no longer change
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatus_APPROVED, RequestStatus_REJECTED, RequestStatus_CANCELED:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses
func (s RequestStatus) Valid() bool {
	return s == RequestStatus_PENDING || s.IsTerminal()
}

// Category groups notifications for the per-category user toggles
type Category string

const (
	Category_MESSAGE Category = "message"
	Category_PAUSE   Category = "pause"
	Category_SYSTEM  Category = "system"
)

// SoundClass names a sound the UI knows how to play
type SoundClass string

const (
	SoundClass_NONE     SoundClass = ""
	SoundClass_MESSAGE  SoundClass = "message"
	SoundClass_APPROVED SoundClass = "pause-approved"
	SoundClass_REJECTED SoundClass = "pause-rejected"
	SoundClass_WARNING  SoundClass = "pause-warning"
	SoundClass_EXCEEDED SoundClass = "pause-exceeded"
	SoundClass_ALERT    SoundClass = "system-alert"
)

// Channel is the delivery channel picked for a notification
type Channel string

const (
	Channel_NONE   Channel = "none"
	Channel_IN_APP Channel = "in_app"
	Channel_PUSH   Channel = "push"
)

// AgentRef identifies the agent this console acts for
type AgentRef struct {
	AccountId   string `json:"account_id"`
	AgentId     string `json:"agent_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// PauseReason is one entry of the pause reason catalog
type PauseReason struct {
	Id               string `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	RequiresApproval bool   `json:"requires_approval" yaml:"requires_approval"`
	// TimePause is the session limit in seconds, 0 means unlimited
	TimePause int64 `json:"time_pause" yaml:"time_pause"`
}

// PauseRequest is a proposal to move an agent into a paused state
type PauseRequest struct {
	Id               string                 `json:"id"`
	AccountId        string                 `json:"account_id"`
	AgentId          string                 `json:"agent_id"`
	AgentName        string                 `json:"agent_name,omitempty"`
	ReasonId         string                 `json:"reason_id"`
	ReasonName       string                 `json:"reason_name"`
	RequiresApproval bool                   `json:"requires_approval"`
	TimePause        int64                  `json:"time_pause,omitempty"`
	Status           RequestStatus          `json:"status"`
	RejectionReason  string                 `json:"rejection_reason,omitempty"`
	CreatedAt        *timestamppb.Timestamp `json:"created_at,omitempty"`
	RespondedAt      *timestamppb.Timestamp `json:"responded_at,omitempty"`
	RespondedBy      string                 `json:"responded_by,omitempty"`
}

// Clone returns a shallow copy safe to hand to other goroutines
func (r *PauseRequest) Clone() *PauseRequest {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// SessionHandle is returned by the backend when a pause session starts
type SessionHandle struct {
	CorrelationId string                 `json:"correlation_id"`
	StartedAt     *timestamppb.Timestamp `json:"started_at,omitempty"`
}

// PauseSession is the active timed pause
type PauseSession struct {
	Id                   string                 `json:"id"`
	CorrelationId        string                 `json:"correlation_id"`
	ReasonId             string                 `json:"reason_id"`
	ReasonName           string                 `json:"reason_name"`
	StartedAt            *timestamppb.Timestamp `json:"started_at"`
	DurationLimitSeconds int64                  `json:"duration_limit_seconds"`
}

// Clone returns a shallow copy safe to hand to other goroutines
func (s *PauseSession) Clone() *PauseSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Elapsed returns whole seconds since the session started, recomputed from
// the wall clock so it never drifts
func (s *PauseSession) Elapsed(now time.Time) int64 {
	if s == nil || s.StartedAt == nil {
		return 0
	}
	secs := int64(now.Sub(s.StartedAt.AsTime()) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// IsOverLimit reports whether a limited session reached its limit
func (s *PauseSession) IsOverLimit(now time.Time) bool {
	return s != nil && s.DurationLimitSeconds > 0 && s.Elapsed(now) >= s.DurationLimitSeconds
}

// Overage returns the seconds spent beyond the limit
func (s *PauseSession) Overage(now time.Time) int64 {
	if !s.IsOverLimit(now) {
		return 0
	}
	return s.Elapsed(now) - s.DurationLimitSeconds
}

// NotificationEvent is one unit of user-facing alerting
type NotificationEvent struct {
	// DedupKey is derived from semantic content, never from a timestamp
	DedupKey string `json:"dedup_key"`
	// Scope ties the key to an activation; empty means the rolling scope
	Scope      string     `json:"scope,omitempty"`
	Category   Category   `json:"category"`
	Channel    Channel    `json:"channel,omitempty"`
	Title      string     `json:"title"`
	Body       string     `json:"body,omitempty"`
	SoundClass SoundClass `json:"sound_class,omitempty"`
	Actions    []string   `json:"actions,omitempty"`
}

// HistoryRecord is an audit entry for a resolved pause request
type HistoryRecord struct {
	RequestId       string                 `json:"request_id"`
	AccountId       string                 `json:"account_id"`
	AgentId         string                 `json:"agent_id"`
	ReasonId        string                 `json:"reason_id"`
	ReasonName      string                 `json:"reason_name"`
	Status          RequestStatus          `json:"status"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	RespondedBy     string                 `json:"responded_by,omitempty"`
	CreatedAt       *timestamppb.Timestamp `json:"created_at,omitempty"`
	Ts              *timestamppb.Timestamp `json:"ts"`
}

// Checkpoint is the durable state the pause controller resumes from
type Checkpoint struct {
	State   string        `json:"state"`
	Request *PauseRequest `json:"request,omitempty"`
	Session *PauseSession `json:"session,omitempty"`
	// Warned and Exceeded record which session alerts already fired
	Warned   bool                   `json:"warned,omitempty"`
	Exceeded bool                   `json:"exceeded,omitempty"`
	SavedAt  *timestamppb.Timestamp `json:"saved_at"`
}

// ChatMessage is a chat line delivered on a chat topic
type ChatMessage struct {
	Id         string                 `json:"id"`
	ThreadId   string                 `json:"thread_id"`
	AuthorId   string                 `json:"author_id"`
	AuthorName string                 `json:"author_name,omitempty"`
	Text       string                 `json:"text"`
	Ts         *timestamppb.Timestamp `json:"ts,omitempty"`
}

// SystemAlert is an operational alert pushed to every console of an account
type SystemAlert struct {
	Id    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}
