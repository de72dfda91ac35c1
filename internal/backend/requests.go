package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/agentdesk/internal/domain"
	"github.com/nkkko/agentdesk/pkg/proto"
	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ErrAlreadyResolved is returned when responding to a request that already
// carries a terminal status
var ErrAlreadyResolved = errors.New("pause request already resolved")

// Ensure the stores implement their interfaces
var (
	_ domain.PauseRequestStore = (*RequestStore)(nil)
	_ domain.ReasonCatalog     = (*ReasonCatalog)(nil)
)

// RequestStore keeps each agent's live pause request under the topic state
// key, so every change reaches subscribers of the request topic
type RequestStore struct {
	redis     *Redis
	responder string
	now       func() time.Time
}

// NewRequestStore creates a request store. responder is recorded as
// RespondedBy on responses made through this store.
func NewRequestStore(r *Redis, responder string) *RequestStore {
	return &RequestStore{redis: r, responder: responder, now: time.Now}
}

// Create stores a new pending request and announces it
func (s *RequestStore) Create(ctx context.Context, req *proto.PauseRequest) error {
	if req == nil || req.Id == "" {
		return errors.New("pause request requires an id")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal pause request: %w", err)
	}
	topic := domain.PauseRequestTopic(proto.AgentRef{AccountId: req.AccountId, AgentId: req.AgentId})
	if err := s.redis.publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("failed to create pause request: %w", err)
	}
	return nil
}

// Respond moves the agent's pending request to a terminal status. The
// first response wins; later ones get ErrAlreadyResolved.
func (s *RequestStore) Respond(ctx context.Context, agent proto.AgentRef, status proto.RequestStatus, reason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot respond with status %q", status)
	}
	topic := domain.PauseRequestTopic(agent)
	key := s.redis.stateKey(topic)

	var payload []byte
	err := s.redis.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		var req proto.PauseRequest
		if err := json.Unmarshal(current, &req); err != nil {
			return fmt.Errorf("failed to decode pause request: %w", err)
		}
		if req.Status.IsTerminal() {
			return ErrAlreadyResolved
		}

		req.Status = status
		req.RejectionReason = reason
		req.RespondedAt = timestamppb.New(s.now())
		req.RespondedBy = s.responder
		payload, err = json.Marshal(&req)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Publish(ctx, s.redis.channel(topic), payload)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to respond to pause request: %w", err)
	}
	return nil
}

// Remove deletes the agent's live request
func (s *RequestStore) Remove(ctx context.Context, agent proto.AgentRef) error {
	if err := s.redis.publish(ctx, domain.PauseRequestTopic(agent), nil); err != nil {
		return fmt.Errorf("failed to remove pause request: %w", err)
	}
	return nil
}

// Get returns the agent's live request
func (s *RequestStore) Get(ctx context.Context, agent proto.AgentRef) (*proto.PauseRequest, error) {
	payload, err := s.redis.client.Get(ctx, s.redis.stateKey(domain.PauseRequestTopic(agent))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pause request: %w", err)
	}
	var req proto.PauseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("failed to decode pause request: %w", err)
	}
	return &req, nil
}

// ReasonCatalog reads an account's pause reasons from a Redis key
type ReasonCatalog struct {
	redis     *Redis
	accountID string
}

// NewReasonCatalog creates a catalog for one account
func NewReasonCatalog(r *Redis, accountID string) *ReasonCatalog {
	return &ReasonCatalog{redis: r, accountID: accountID}
}

func (c *ReasonCatalog) key() string {
	return c.redis.config.KeyPrefix + "reasons:" + c.accountID
}

// List returns every configured reason
func (c *ReasonCatalog) List(ctx context.Context) ([]*proto.PauseReason, error) {
	payload, err := c.redis.client.Get(ctx, c.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return []*proto.PauseReason{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reasons: %w", err)
	}
	var reasons []*proto.PauseReason
	if err := json.Unmarshal(payload, &reasons); err != nil {
		return nil, fmt.Errorf("failed to decode reasons: %w", err)
	}
	return reasons, nil
}

// Get returns one reason, or domain.ErrNotFound
func (c *ReasonCatalog) Get(ctx context.Context, id string) (*proto.PauseReason, error) {
	reasons, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range reasons {
		if r.Id == id {
			return r, nil
		}
	}
	return nil, domain.ErrNotFound
}

// Set replaces the account's reasons, used to seed the catalog
func (c *ReasonCatalog) Set(ctx context.Context, reasons []*proto.PauseReason) error {
	payload, err := json.Marshal(reasons)
	if err != nil {
		return err
	}
	return c.redis.client.Set(ctx, c.key(), payload, 0).Err()
}
