// Package backend adapts Redis to the topic, request and reason interfaces
// the console runs on.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/internal/metrics"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Redis implements domain.Backend
var _ domain.Backend = (*Redis)(nil)

// ErrUnknownTopic is delivered through Fail for a topic no decoder handles
var ErrUnknownTopic = errors.New("no decoder for topic")

// Config holds Redis connection configuration
type Config struct {
	Addr      string // Redis server address (host:port)
	Password  string // Redis password (optional)
	DB        int    // Redis database number
	KeyPrefix string // Namespace for every key and channel

	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// DefaultConfig returns a default Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		KeyPrefix:   "agentdesk:",
		DialTimeout: 5 * time.Second,
		OpTimeout:   3 * time.Second,
	}
}

// decoder turns a payload published on a topic into the value consumers see
type decoder struct {
	decode func(payload []byte) (any, error)

	// authoritative payloads carry the full state and skip the debounce
	authoritative bool
}

var decoders = map[string]decoder{
	domain.TopicPauseRequests: {decode: decodePauseRequest, authoritative: true},
	domain.TopicChat:          {decode: decodeChatMessage},
	domain.TopicSystemAlerts:  {decode: decodeSystemAlert, authoritative: true},
}

func decoderFor(topicKey string) (string, decoder, bool) {
	for prefix, d := range decoders {
		if strings.HasPrefix(topicKey, prefix) {
			return prefix, d, true
		}
	}
	return "", decoder{}, false
}

func decodePauseRequest(payload []byte) (any, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	var req proto.PauseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if !req.Status.Valid() {
		return nil, fmt.Errorf("invalid request status %q", req.Status)
	}
	return &req, nil
}

func decodeChatMessage(payload []byte) (any, error) {
	var msg proto.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	if msg.Id == "" {
		return nil, errors.New("chat message without id")
	}
	return &msg, nil
}

func decodeSystemAlert(payload []byte) (any, error) {
	var alert proto.SystemAlert
	if err := json.Unmarshal(payload, &alert); err != nil {
		return nil, err
	}
	if alert.Id == "" {
		return nil, errors.New("system alert without id")
	}
	return &alert, nil
}

// Redis streams topics over Redis pub/sub. A topic may also have a state
// key whose value is delivered as an authoritative snapshot on subscribe.
type Redis struct {
	client  *redis.Client
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New connects to Redis
func New(config Config) (*Redis, error) {
	defaults := DefaultConfig()
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = defaults.OpTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.OpTimeout,
		WriteTimeout: config.OpTimeout,
		PoolSize:     10,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.With().Str("component", "backend-redis").Logger()
	logger.Info().Str("addr", config.Addr).Int("db", config.DB).Msg("Connected to Redis")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Redis{
		client:  client,
		config:  config,
		ctx:     rootCtx,
		cancel:  rootCancel,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

func (r *Redis) channel(topicKey string) string {
	return r.config.KeyPrefix + "topic:" + topicKey
}

func (r *Redis) stateKey(topicKey string) string {
	return r.config.KeyPrefix + "state:" + topicKey
}

// Subscribe implements domain.Backend. The returned unsubscribe does not
// wait for the reader goroutine, so it is safe to call from a sink callback.
func (r *Redis) Subscribe(topicKey string, sink domain.Sink) func() {
	ctx, cancel := context.WithCancel(r.ctx)
	prefix, dec, ok := decoderFor(topicKey)

	var pubsub *redis.PubSub
	if ok {
		pubsub = r.client.Subscribe(ctx, r.channel(topicKey))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if !ok {
			r.logger.Error().Str("topic", topicKey).Msg("Subscribe to topic without decoder")
			sink.Fail(fmt.Errorf("%w: %s", ErrUnknownTopic, topicKey))
			return
		}
		r.run(ctx, pubsub, topicKey, prefix, dec, sink)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if pubsub != nil {
				pubsub.Close()
			}
		})
	}
}

func (r *Redis) run(ctx context.Context, pubsub *redis.PubSub, topicKey, prefix string, dec decoder, sink domain.Sink) {
	logger := r.logger.With().Str("topic", topicKey).Logger()

	// confirm the subscription before reading state so no update is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Msg("Subscription failed")
			sink.Fail(fmt.Errorf("subscribe %s: %w", topicKey, err))
		}
		return
	}

	payload, err := r.client.Get(ctx, r.stateKey(topicKey)).Bytes()
	switch {
	case err == nil:
		if value, ok := r.decode(logger, prefix, dec, payload); ok {
			sink.Replace(value)
		}
	case errors.Is(err, redis.Nil):
	default:
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("Snapshot read failed")
		sink.Fail(fmt.Errorf("snapshot %s: %w", topicKey, err))
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-messages:
			if !open {
				return
			}
			value, ok := r.decode(logger, prefix, dec, []byte(msg.Payload))
			if !ok {
				continue
			}
			if dec.authoritative {
				sink.Replace(value)
			} else {
				sink.Next(value)
			}
		}
	}
}

func (r *Redis) decode(logger zerolog.Logger, prefix string, dec decoder, payload []byte) (any, bool) {
	value, err := dec.decode(payload)
	if err != nil {
		r.metrics.BackendMessagesTotal.WithLabelValues(prefix, "decode_error").Inc()
		logger.Warn().Err(err).Msg("Dropping undecodable payload")
		return nil, false
	}
	r.metrics.BackendMessagesTotal.WithLabelValues(prefix, "ok").Inc()
	return value, true
}

// publish stores the state of a topic and announces it in one transaction.
// A nil payload deletes the state key.
func (r *Redis) publish(ctx context.Context, topicKey string, payload []byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if payload == nil {
			pipe.Del(ctx, r.stateKey(topicKey))
			pipe.Publish(ctx, r.channel(topicKey), "null")
			return nil
		}
		pipe.Set(ctx, r.stateKey(topicKey), payload, 0)
		pipe.Publish(ctx, r.channel(topicKey), payload)
		return nil
	})
	return err
}

// Announce publishes a payload without storing it, used for topics such
// as chat that have no state key
func (r *Redis) Announce(ctx context.Context, topicKey string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(topicKey), payload).Err()
}

// HealthCheck checks if Redis is available
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close stops every subscription and closes the connection
func (r *Redis) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.client.Close()
}
