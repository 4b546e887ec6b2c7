package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"partnerledger/pkg/idgen"
)

// Handle 锁句柄，业务层只依赖该接口
type Handle interface {
	TryLock(ctx context.Context) (bool, error)
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Unlock(ctx context.Context) error
}

// Provider 按业务维度发放锁
type Provider interface {
	SaleLock(eventID string) Handle
	WithdrawLock(memberID int64, requestID string) Handle
	SettleLock(cycleID int64) Handle
	CycleBootstrapLock() Handle
}

// RedisProvider 基于 Redis 的锁发放器（生产实现）
type RedisProvider struct {
	client *redis.Client
}

func NewRedisProvider(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

func (p *RedisProvider) SaleLock(eventID string) Handle {
	return NewSaleLock(p.client, eventID)
}

func (p *RedisProvider) WithdrawLock(memberID int64, requestID string) Handle {
	return NewWithdrawLock(p.client, memberID, requestID)
}

func (p *RedisProvider) SettleLock(cycleID int64) Handle {
	holder := fmt.Sprintf("settler-%d", idgen.NextID())
	return NewSettleLock(p.client, cycleID, holder)
}

func (p *RedisProvider) CycleBootstrapLock() Handle {
	holder := fmt.Sprintf("bootstrap-%d", idgen.NextID())
	return NewDistributedLock(p.client, "cycle:lock:bootstrap", holder, 10*time.Second)
}
