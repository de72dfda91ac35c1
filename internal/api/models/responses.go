package models

import (
	"time"

	"github.com/nkkko/agentdesk/pkg/proto"
)

// HealthResponse reports the status of every checked dependency
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ReasonResponse is one selectable pause reason
type ReasonResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	RequiresApproval bool   `json:"requires_approval"`
	LimitSeconds     int64  `json:"limit_seconds"`
}

// ReasonFromProto converts a catalog entry to a response model
func ReasonFromProto(r *proto.PauseReason) *ReasonResponse {
	return &ReasonResponse{
		ID:               r.Id,
		Name:             r.Name,
		RequiresApproval: r.RequiresApproval,
		LimitSeconds:     r.TimePause,
	}
}

// HistoryResponse is one resolved pause request
type HistoryResponse struct {
	RequestID       string     `json:"request_id"`
	ReasonID        string     `json:"reason_id"`
	ReasonName      string     `json:"reason_name"`
	Status          string     `json:"status"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	RespondedBy     string     `json:"responded_by,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	ResolvedAt      time.Time  `json:"resolved_at"`
}

// HistoryFromProto converts a history record to a response model
func HistoryFromProto(h *proto.HistoryRecord) *HistoryResponse {
	resp := &HistoryResponse{
		RequestID:       h.RequestId,
		ReasonID:        h.ReasonId,
		ReasonName:      h.ReasonName,
		Status:          string(h.Status),
		RejectionReason: h.RejectionReason,
		RespondedBy:     h.RespondedBy,
	}
	if h.CreatedAt != nil {
		created := h.CreatedAt.AsTime()
		resp.CreatedAt = &created
	}
	if h.Ts != nil {
		resp.ResolvedAt = h.Ts.AsTime()
	}
	return resp
}

// PaginationMeta contains pagination metadata
type PaginationMeta struct {
	Limit int `json:"limit"`
	Count int `json:"count"`
}
