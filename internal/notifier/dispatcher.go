package notifier

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/metrics"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings are the user's notification preferences
type Settings struct {
	MessageSound bool    `json:"message_sound" yaml:"message_sound"`
	PauseSound   bool    `json:"pause_sound" yaml:"pause_sound"`
	SystemSound  bool    `json:"system_sound" yaml:"system_sound"`
	Volume       float64 `json:"volume" yaml:"volume"`
}

// DefaultSettings enables every sound at 80% volume
func DefaultSettings() Settings {
	return Settings{
		MessageSound: true,
		PauseSound:   true,
		SystemSound:  true,
		Volume:       0.8,
	}
}

func (s Settings) soundEnabled(c proto.Category) bool {
	switch c {
	case proto.Category_MESSAGE:
		return s.MessageSound
	case proto.Category_PAUSE:
		return s.PauseSound
	case proto.Category_SYSTEM:
		return s.SystemSound
	default:
		return false
	}
}

// DispatcherConfig contains dispatcher configuration
type DispatcherConfig struct {
	// Size of the rolling dedup cache used for events without a scope
	RollingScopeSize int

	// Agent whose own chat messages never alert
	LocalAgentID string

	Settings Settings
}

// DefaultDispatcherConfig returns a default dispatcher configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RollingScopeSize: 512,
		Settings:         DefaultSettings(),
	}
}

// Outputs are the collaborators a Dispatcher delivers through. Any of them
// may be nil.
type Outputs struct {
	Visibility domain.VisibilitySource
	Sound      domain.SoundPlayer
	Push       domain.PushNotifier
	InApp      domain.InAppPresenter
	Viewed     domain.ViewedLedger
}

// Dispatcher decides whether and where to surface a notification and
// delivers each dedup key at most once per scope.
type Dispatcher struct {
	config   DispatcherConfig
	outputs  Outputs
	settings Settings
	scopes   map[string]map[string]struct{}
	rolling  *lru.Cache
	mu       sync.Mutex
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a new notification dispatcher
func NewDispatcher(config DispatcherConfig, outputs Outputs) (*Dispatcher, error) {
	if config.RollingScopeSize <= 0 {
		config.RollingScopeSize = DefaultDispatcherConfig().RollingScopeSize
	}

	rolling, err := lru.New(config.RollingScopeSize)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		config:   config,
		outputs:  outputs,
		settings: config.Settings,
		scopes:   make(map[string]map[string]struct{}),
		rolling:  rolling,
		logger:   log.With().Str("component", "dispatcher").Logger(),
		metrics:  metrics.GetMetrics(),
	}, nil
}

// Notify delivers event unless its dedup key was already delivered in the
// event's scope. It reports whether the event was accepted.
func (d *Dispatcher) Notify(ctx context.Context, event *proto.NotificationEvent) bool {
	if event == nil || event.DedupKey == "" {
		return false
	}

	d.mu.Lock()
	if d.seenLocked(event.Scope, event.DedupKey) {
		d.mu.Unlock()
		d.metrics.NotifierEventsTotal.WithLabelValues("suppressed", string(proto.Channel_NONE)).Inc()
		d.logger.Debug().Str("dedup_key", event.DedupKey).Str("scope", event.Scope).Msg("Suppressed duplicate notification")
		return false
	}
	settings := d.settings
	d.mu.Unlock()

	if event.SoundClass != proto.SoundClass_NONE && settings.soundEnabled(event.Category) {
		d.playSound(ctx, event.SoundClass, settings.Volume)
	}

	channel := d.deliver(ctx, event)
	d.metrics.NotifierEventsTotal.WithLabelValues("delivered", string(channel)).Inc()
	d.logger.Debug().
		Str("dedup_key", event.DedupKey).
		Str("scope", event.Scope).
		Str("channel", string(channel)).
		Msg("Delivered notification")
	return true
}

// seenLocked marks key delivered in scope and reports whether it already was
func (d *Dispatcher) seenLocked(scope, key string) bool {
	if scope == "" {
		seen, _ := d.rolling.ContainsOrAdd(key, struct{}{})
		return seen
	}

	keys, ok := d.scopes[scope]
	if !ok {
		keys = make(map[string]struct{})
		d.scopes[scope] = keys
	}
	if _, ok := keys[key]; ok {
		return true
	}
	keys[key] = struct{}{}
	return false
}

func (d *Dispatcher) playSound(ctx context.Context, class proto.SoundClass, volume float64) {
	if d.outputs.Sound == nil {
		return
	}
	if err := d.outputs.Sound.Play(ctx, class, volume); err != nil {
		d.metrics.NotifierSoundFailures.Inc()
		d.logger.Warn().Err(err).Str("sound", string(class)).Msg("Sound playback failed")
	}
}

// deliver picks the channel: in-app when the console is in front of the
// user, otherwise a system notification when permitted, otherwise in-app
func (d *Dispatcher) deliver(ctx context.Context, event *proto.NotificationEvent) proto.Channel {
	inFront := true
	if v := d.outputs.Visibility; v != nil {
		inFront = v.IsVisible() && v.IsFocused()
	}

	if !inFront && d.outputs.Push != nil && d.outputs.Push.CanNotify() {
		err := d.outputs.Push.Show(ctx, event.Title, event.Body, event.Actions)
		if err == nil {
			return proto.Channel_PUSH
		}
		d.metrics.NotifierPushFailures.Inc()
		d.logger.Warn().Err(err).Str("dedup_key", event.DedupKey).Msg("System notification failed, falling back to in-app")
	}

	if d.outputs.InApp == nil {
		return proto.Channel_NONE
	}
	delivered := *event
	delivered.Channel = proto.Channel_IN_APP
	d.outputs.InApp.Show(&delivered)
	return proto.Channel_IN_APP
}

// ResetScope forgets every key delivered in scope so the same conditions
// can alert again in a later activation
func (d *Dispatcher) ResetScope(scope string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if scope == "" {
		d.rolling.Purge()
		return
	}
	delete(d.scopes, scope)
}

// NotifyMessage alerts for an incoming chat message unless the local agent
// wrote it or it was already opened
func (d *Dispatcher) NotifyMessage(ctx context.Context, msg *proto.ChatMessage) bool {
	if msg == nil || msg.Id == "" {
		return false
	}
	if d.config.LocalAgentID != "" && msg.AuthorId == d.config.LocalAgentID {
		return false
	}

	if d.outputs.Viewed != nil {
		viewed, err := d.outputs.Viewed.IsViewed(ctx, msg.Id)
		if err != nil {
			d.logger.Warn().Err(err).Str("message_id", msg.Id).Msg("Viewed ledger lookup failed")
		} else if viewed {
			d.metrics.NotifierEventsTotal.WithLabelValues("suppressed", string(proto.Channel_NONE)).Inc()
			return false
		}
	}

	title := msg.AuthorName
	if title == "" {
		title = "New message"
	}
	return d.Notify(ctx, &proto.NotificationEvent{
		DedupKey:   MessageKey(msg.Id),
		Category:   proto.Category_MESSAGE,
		Title:      title,
		Body:       msg.Text,
		SoundClass: proto.SoundClass_MESSAGE,
		Actions:    []string{"open"},
	})
}

// MarkViewed records that the user opened a message so it never alerts
func (d *Dispatcher) MarkViewed(ctx context.Context, messageID string) error {
	d.mu.Lock()
	d.rolling.Add(MessageKey(messageID), struct{}{})
	d.mu.Unlock()

	if d.outputs.Viewed == nil {
		return nil
	}
	return d.outputs.Viewed.MarkViewed(ctx, messageID)
}

// UpdateSettings replaces the notification preferences
func (d *Dispatcher) UpdateSettings(s Settings) {
	if s.Volume < 0 {
		s.Volume = 0
	}
	if s.Volume > 1 {
		s.Volume = 1
	}

	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
	d.logger.Info().
		Bool("message_sound", s.MessageSound).
		Bool("pause_sound", s.PauseSound).
		Bool("system_sound", s.SystemSound).
		Float64("volume", s.Volume).
		Msg("Notification settings updated")
}

// Settings returns the current notification preferences
func (d *Dispatcher) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// MessageKey is the dedup key of a chat message
func MessageKey(messageID string) string {
	return "message:" + messageID
}

// AlertKey is the dedup key of a system alert
func AlertKey(alertID string) string {
	return "alert:" + alertID
}

// NotifyAlert surfaces a system alert once per alert id
func (d *Dispatcher) NotifyAlert(ctx context.Context, alert *proto.SystemAlert) bool {
	if alert == nil || alert.Id == "" {
		return false
	}
	return d.Notify(ctx, &proto.NotificationEvent{
		DedupKey:   AlertKey(alert.Id),
		Category:   proto.Category_SYSTEM,
		Title:      alert.Title,
		Body:       alert.Body,
		SoundClass: proto.SoundClass_ALERT,
	})
}
