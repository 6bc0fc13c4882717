package quantum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "qff:session:"

// RecordSealer encrypts session records at rest.
type RecordSealer interface {
	SealRecord(plaintext []byte) ([]byte, error)
	OpenRecord(sealed []byte) ([]byte, error)
}

// RedisStore keeps sessions in Redis with a key TTL matching the session
// expiry, so processes behind a load balancer share one session table.
// Sharing requires every process to seal records with the same key; see
// NewSharedSealer.
type RedisStore struct {
	client *redis.Client
	sealer RecordSealer
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// WithSealer encrypts stored records, which hold session key material.
func (s *RedisStore) WithSealer(sealer RecordSealer) *RedisStore {
	s.sealer = sealer
	return s
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

type sessionRecord struct {
	ID                 string    `json:"id"`
	Status             Status    `json:"status"`
	Algorithm          string    `json:"algorithm"`
	SignatureAlgorithm string    `json:"signatureAlgorithm"`
	KeyRef             string    `json:"keyRef"`
	PublicKey          []byte    `json:"publicKey"`
	Ciphertext         []byte    `json:"ciphertext"`
	SigningPublicKey   []byte    `json:"signingPublicKey"`
	CreatedAt          time.Time `json:"createdAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
	Secret             []byte    `json:"secret"`
	SigningKey         []byte    `json:"signingKey"`
}

func toRecord(s *Session) sessionRecord {
	return sessionRecord{
		ID: s.ID, Status: s.Status, Algorithm: s.Algorithm, SignatureAlgorithm: s.SignatureAlgorithm,
		KeyRef: s.KeyRef, PublicKey: s.PublicKey, Ciphertext: s.Ciphertext, SigningPublicKey: s.SigningPublicKey,
		CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt, Secret: s.secret, SigningKey: s.signingKey,
	}
}

func (r sessionRecord) session() *Session {
	return &Session{
		ID: r.ID, Status: r.Status, Algorithm: r.Algorithm, SignatureAlgorithm: r.SignatureAlgorithm,
		KeyRef: r.KeyRef, PublicKey: r.PublicKey, Ciphertext: r.Ciphertext, SigningPublicKey: r.SigningPublicKey,
		CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt, secret: r.Secret, signingKey: r.SigningKey,
	}
}

func (s *RedisStore) encode(sess *Session) ([]byte, error) {
	data, err := json.Marshal(toRecord(sess))
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if s.sealer != nil {
		if data, err = s.sealer.SealRecord(data); err != nil {
			return nil, fmt.Errorf("seal session: %w", err)
		}
	}
	return data, nil
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, sess.ID)
	}
	data, err := s.encode(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sess.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// PutIfAbsent relies on SETNX. Expired sessions are already gone through
// their key TTL, so now is not consulted.
func (s *RedisStore) PutIfAbsent(ctx context.Context, sess *Session, _ time.Time) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := s.encode(sess)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+sess.ID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	// A record this node cannot open was sealed under another key; to the
	// caller it is not a usable session.
	if s.sealer != nil {
		if data, err = s.sealer.OpenRecord(data); err != nil {
			return nil, fmt.Errorf("%w: open sealed record: %w", ErrSessionNotFound, err)
		}
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode record: %w", ErrSessionNotFound, err)
	}
	return rec.session(), nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op: Redis evicts sessions through key TTLs.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan sessions: %w", err)
	}
	return n, nil
}

// Ping checks connectivity for health probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
