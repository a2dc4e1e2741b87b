package sso

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// HandshakeState is the per-login OIDC handshake record, keyed by the
// opaque state token. The org ID is resolved from here on callback, not
// from any caller-supplied parameter.
type HandshakeState struct {
	CodeVerifier string `json:"code_verifier"`
	OrgID        string `json:"org_id"`
}

// StateStore persists handshake state for the duration of a login.
// Take must consume the state atomically: of two racing callbacks with
// the same token, exactly one may succeed.
type StateStore interface {
	Put(ctx context.Context, token string, state HandshakeState, ttl time.Duration) error
	Take(ctx context.Context, token string) (*HandshakeState, error)
}

// RedisStateStore implements StateStore on Redis. GETDEL makes the
// read-and-consume step atomic across service instances.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStateStore creates a RedisStateStore
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: "sso:state:"}
}

// Put stores handshake state with the given TTL
func (s *RedisStateStore) Put(ctx context.Context, token string, state HandshakeState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return Wrap(KindInternal, "encoding handshake state", err)
	}
	if err := s.client.Set(ctx, s.prefix+token, payload, ttl).Err(); err != nil {
		return Wrap(KindInternal, "storing handshake state", err)
	}
	return nil
}

// Take consumes handshake state. Missing, expired, or already-consumed
// tokens return InvalidOrExpiredState.
func (s *RedisStateStore) Take(ctx context.Context, token string) (*HandshakeState, error) {
	payload, err := s.client.GetDel(ctx, s.prefix+token).Result()
	if err == redis.Nil {
		return nil, E(KindInvalidOrExpiredState, "state missing, expired, or already used")
	}
	if err != nil {
		return nil, Wrap(KindInternal, "consuming handshake state", err)
	}

	var state HandshakeState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, Wrap(KindInternal, "decoding handshake state", err)
	}
	return &state, nil
}
