package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type LockRepository interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error)
	ReleaseLock(ctx context.Context, lock *DistributedLock) error
	ExtendLock(ctx context.Context, lock *DistributedLock, ttl time.Duration) error
	IsLocked(ctx context.Context, key string) (bool, error)
}

type DistributedLock struct {
	Key        string
	Value      string
	TTL        time.Duration
	AcquiredAt time.Time
}

type lockRepository struct {
	client *redis.Client
}

func NewLockRepository(client *redis.Client) LockRepository {
	return &lockRepository{
		client: client,
	}
}

const (
	lockPrefix = "lock:"
	lockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

func (r *lockRepository) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error) {
	lockKey := lockPrefix + key
	lockValue := uuid.New().String()

	// Try to acquire the lock with SET NX EX
	result, err := r.client.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !result {
		return nil, fmt.Errorf("lock already acquired for key: %s", key)
	}

	return &DistributedLock{
		Key:        lockKey,
		Value:      lockValue,
		TTL:        ttl,
		AcquiredAt: time.Now(),
	}, nil
}

func (r *lockRepository) ReleaseLock(ctx context.Context, lock *DistributedLock) error {
	// Use Lua script to ensure we only delete our own lock
	result, err := r.client.Eval(ctx, lockScript, []string{lock.Key}, lock.Value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if result.(int64) == 0 {
		return fmt.Errorf("lock not found or already released: %s", lock.Key)
	}

	return nil
}

func (r *lockRepository) ExtendLock(ctx context.Context, lock *DistributedLock, ttl time.Duration) error {
	extendScript := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("EXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	result, err := r.client.Eval(ctx, extendScript, []string{lock.Key}, lock.Value, int(ttl.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}

	if result.(int64) == 0 {
		return fmt.Errorf("lock not found or not owned: %s", lock.Key)
	}

	lock.TTL = ttl
	return nil
}

func (r *lockRepository) IsLocked(ctx context.Context, key string) (bool, error) {
	exists, err := r.client.Exists(ctx, lockPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock existence: %w", err)
	}

	return exists > 0, nil
}

// UserLockManager serializes money movement per user. Every orchestration that
// touches a balance acquires the user lock first; the session claim lock keeps
// double-claims from even reaching the database CAS.
type UserLockManager struct {
	lockRepo LockRepository
}

func NewUserLockManager(lockRepo LockRepository) *UserLockManager {
	return &UserLockManager{
		lockRepo: lockRepo,
	}
}

func (m *UserLockManager) LockUser(ctx context.Context, userID string, operation string, ttl time.Duration) (*DistributedLock, error) {
	lockKey := fmt.Sprintf("user:%s:%s", userID, operation)
	return m.lockRepo.AcquireLock(ctx, lockKey, ttl)
}

func (m *UserLockManager) LockSessionClaim(ctx context.Context, userID, sessionID string, ttl time.Duration) (*DistributedLock, error) {
	lockKey := fmt.Sprintf("claim:%s:%s", userID, sessionID)
	return m.lockRepo.AcquireLock(ctx, lockKey, ttl)
}

func (m *UserLockManager) LockTransaction(ctx context.Context, transactionID string, ttl time.Duration) (*DistributedLock, error) {
	lockKey := fmt.Sprintf("transaction:%s", transactionID)
	return m.lockRepo.AcquireLock(ctx, lockKey, ttl)
}

func (m *UserLockManager) ReleaseLock(ctx context.Context, lock *DistributedLock) error {
	return m.lockRepo.ReleaseLock(ctx, lock)
}

func (m *UserLockManager) ExtendLock(ctx context.Context, lock *DistributedLock, ttl time.Duration) error {
	return m.lockRepo.ExtendLock(ctx, lock, ttl)
}

// IdempotencyRepository manages idempotency keys
type IdempotencyRepository interface {
	SetIdempotencyKey(ctx context.Context, key string, response string, ttl time.Duration) error
	GetIdempotencyResponse(ctx context.Context, key string) (string, bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

type idempotencyRepository struct {
	client *redis.Client
}

func NewIdempotencyRepository(client *redis.Client) IdempotencyRepository {
	return &idempotencyRepository{
		client: client,
	}
}

const idempotencyPrefix = "idempotency:"

func (r *idempotencyRepository) SetIdempotencyKey(ctx context.Context, key string, response string, ttl time.Duration) error {
	err := r.client.Set(ctx, idempotencyPrefix+key, response, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set idempotency key: %w", err)
	}

	return nil
}

func (r *idempotencyRepository) GetIdempotencyResponse(ctx context.Context, key string) (string, bool, error) {
	result, err := r.client.Get(ctx, idempotencyPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get idempotency response: %w", err)
	}

	return result, true, nil
}

func (r *idempotencyRepository) DeleteIdempotencyKey(ctx context.Context, key string) error {
	err := r.client.Del(ctx, idempotencyPrefix+key).Err()
	if err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}

	return nil
}

// VelocityRepository tracks withdrawal attempts per user in a sliding window.
// Risk scoring reads the count; the window trims itself on every touch.
type VelocityRepository interface {
	RecordWithdrawalAttempt(ctx context.Context, userID string, at time.Time, window time.Duration) error
	WithdrawalCount(ctx context.Context, userID string, now time.Time, window time.Duration) (int, error)
}

type velocityRepository struct {
	client *redis.Client
}

func NewVelocityRepository(client *redis.Client) VelocityRepository {
	return &velocityRepository{
		client: client,
	}
}

const velocityPrefix = "velocity:withdrawal:"

func (r *velocityRepository) RecordWithdrawalAttempt(ctx context.Context, userID string, at time.Time, window time.Duration) error {
	key := velocityPrefix + userID

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: strconv.FormatInt(at.UnixNano(), 10) + ":" + uuid.New().String()[:8],
	})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(at.Add(-window).UnixNano(), 10))
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record withdrawal attempt: %w", err)
	}

	return nil
}

func (r *velocityRepository) WithdrawalCount(ctx context.Context, userID string, now time.Time, window time.Duration) (int, error) {
	key := velocityPrefix + userID
	min := strconv.FormatInt(now.Add(-window).UnixNano(), 10)
	max := strconv.FormatInt(now.UnixNano(), 10)

	count, err := r.client.ZCount(ctx, key, min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count withdrawal attempts: %w", err)
	}

	return int(count), nil
}
