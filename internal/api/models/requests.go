package models

import (
	"github.com/nkkko/agentdesk/internal/api/validation"
	"github.com/nkkko/agentdesk/internal/notifier"
)

// SelectReasonRequest picks the reason for the next pause
type SelectReasonRequest struct {
	ReasonID string `json:"reason_id"`
}

// Validate validates the request
func (r *SelectReasonRequest) Validate() error {
	if err := validation.Required("reason_id", r.ReasonID); err != nil {
		return err
	}
	return validation.MaxLength("reason_id", r.ReasonID, 128)
}

// VisibilityRequest reports whether a console window is visible and focused
type VisibilityRequest struct {
	Source  string `json:"source"`
	Visible bool   `json:"visible"`
	Focused bool   `json:"focused"`
}

// Validate validates the request
func (r *VisibilityRequest) Validate() error {
	return validation.MaxLength("source", r.Source, 128)
}

// PermissionRequest reports the system notification permission of a console
type PermissionRequest struct {
	Source  string `json:"source"`
	Granted bool   `json:"granted"`
}

// Validate validates the request
func (r *PermissionRequest) Validate() error {
	return validation.MaxLength("source", r.Source, 128)
}

// NotificationSettingsRequest replaces the notification preferences
type NotificationSettingsRequest struct {
	MessageSound bool    `json:"message_sound"`
	PauseSound   bool    `json:"pause_sound"`
	SystemSound  bool    `json:"system_sound"`
	Volume       float64 `json:"volume"`
}

// Validate validates the request
func (r *NotificationSettingsRequest) Validate() error {
	return validation.Range("volume", r.Volume, 0, 1)
}

// ToSettings converts the request to dispatcher settings
func (r *NotificationSettingsRequest) ToSettings() notifier.Settings {
	return notifier.Settings{
		MessageSound: r.MessageSound,
		PauseSound:   r.PauseSound,
		SystemSound:  r.SystemSound,
		Volume:       r.Volume,
	}
}
