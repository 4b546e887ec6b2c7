package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 场景1：同一个销售事件被订单系统重复投递（网络抖动重试）
//   两个工作者同时拿到同一 event_id，各自返现一遍 -> 重复入账
//   加锁后只有一个工作者处理，另一个等锁后命中幂等记录直接返回
//
// 场景2：同一会员并发发起两笔提现
//   两个请求同时读到余额100，各扣100 -> 超扣
//   按会员维度加锁后串行执行，第二笔看到余额不足被拒绝
//   （数据库层的条件更新是兜底，锁减少无效冲突）
//
// 场景3：多实例部署时周期结算被同时触发
//   结算锁保证同一时刻只有一个实例执行分红发放
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 检查 value 是否匹配，匹配才删除：防止自己的锁过期后误删他人持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷函数：按业务维度的锁
// ============================================================================

// NewSaleLock 创建销售事件处理锁（按事件维度）
// 同一事件的重复投递串行处理，第二个处理者会命中幂等记录
func NewSaleLock(client *redis.Client, eventID string) *DistributedLock {
	key := fmt.Sprintf("sale:lock:event:%s", eventID)
	return NewDistributedLock(client, key, eventID, 30*time.Second)
}

// NewWithdrawLock 创建提现锁（按会员维度）
// 同一会员的提现串行执行，不同会员互不影响
func NewWithdrawLock(client *redis.Client, memberID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("withdraw:lock:member:%d", memberID)
	// value 使用 requestID，便于追踪是哪个请求持有锁
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}

// NewSettleLock 创建周期结算锁（按周期维度）
// 多实例部署时保证同一周期只有一个结算者
func NewSettleLock(client *redis.Client, cycleID int64, holder string) *DistributedLock {
	key := fmt.Sprintf("cycle:lock:settle:%d", cycleID)
	return NewDistributedLock(client, key, holder, 5*time.Minute)
}
