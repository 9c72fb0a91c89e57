package ruleengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Silence mutes notifications for one alert key until ExpiresAt. The
// state machine keeps evaluating underneath; only surfacing is muted.
type Silence struct {
	Rule        string    `json:"rule"`
	Fingerprint string    `json:"fingerprint"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Silencer stores silences. Implementations must expire them on their
// own; callers never garbage collect.
type Silencer interface {
	Set(ctx context.Context, s Silence) error
	IsSilenced(ctx context.Context, key AlertKey) bool
	Delete(ctx context.Context, key AlertKey) error
	List(ctx context.Context) ([]Silence, error)
}

func silenceKey(key AlertKey) string {
	return "silence:" + key.Rule + ":" + key.Fingerprint.String()
}

// RedisSilencer stores silences as TTL keys so replicas share them and
// expiry needs no sweeper.
type RedisSilencer struct {
	redis *redis.Client
}

func NewRedisSilencer(rdb *redis.Client) *RedisSilencer {
	return &RedisSilencer{redis: rdb}
}

func (s *RedisSilencer) Set(ctx context.Context, sil Silence) error {
	if s.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	ttl := time.Until(sil.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("silence already expired")
	}
	data, err := json.Marshal(sil)
	if err != nil {
		return fmt.Errorf("marshal silence: %w", err)
	}
	key := fmt.Sprintf("silence:%s:%s", sil.Rule, sil.Fingerprint)
	if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store silence: %w", err)
	}
	log.Info().Str("rule", sil.Rule).Str("fingerprint", sil.Fingerprint).Time("expires_at", sil.ExpiresAt).Msg("silence set")
	return nil
}

func (s *RedisSilencer) IsSilenced(ctx context.Context, key AlertKey) bool {
	if s.redis == nil {
		return false
	}
	n, err := s.redis.Exists(ctx, silenceKey(key)).Result()
	if err != nil {
		// treat a cache failure as not silenced; paging too much beats
		// paging not at all
		log.Warn().Err(err).Msg("silence lookup failed")
		return false
	}
	return n > 0
}

func (s *RedisSilencer) Delete(ctx context.Context, key AlertKey) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, silenceKey(key)).Err()
}

func (s *RedisSilencer) List(ctx context.Context) ([]Silence, error) {
	if s.redis == nil {
		return nil, nil
	}
	var out []Silence
	iter := s.redis.Scan(ctx, 0, "silence:*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.redis.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var sil Silence
		if json.Unmarshal([]byte(val), &sil) == nil {
			out = append(out, sil)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan silences: %w", err)
	}
	return out, nil
}

// MemorySilencer is the in-process fallback used when Redis is not
// configured.
type MemorySilencer struct {
	mu       sync.RWMutex
	silences map[string]Silence
}

func NewMemorySilencer() *MemorySilencer {
	return &MemorySilencer{silences: make(map[string]Silence)}
}

func (s *MemorySilencer) Set(ctx context.Context, sil Silence) error {
	if time.Until(sil.ExpiresAt) <= 0 {
		return fmt.Errorf("silence already expired")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silences[sil.Rule+":"+sil.Fingerprint] = sil
	return nil
}

func (s *MemorySilencer) IsSilenced(ctx context.Context, key AlertKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sil, ok := s.silences[key.Rule+":"+key.Fingerprint.String()]
	return ok && time.Now().Before(sil.ExpiresAt)
}

func (s *MemorySilencer) Delete(ctx context.Context, key AlertKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.silences, key.Rule+":"+key.Fingerprint.String())
	return nil
}

func (s *MemorySilencer) List(ctx context.Context) ([]Silence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	out := make([]Silence, 0, len(s.silences))
	for _, sil := range s.silences {
		if now.Before(sil.ExpiresAt) {
			out = append(out, sil)
		}
	}
	return out, nil
}
