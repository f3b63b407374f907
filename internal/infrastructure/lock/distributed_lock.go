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
// 场景一：同一用户并发发起两笔提现（网络抖动导致重复提交），
// 两个请求都读到同样的 pending 余额，不加锁会产生两笔同额预留请求竞争。
// 按用户维度加锁后，同一用户的提现创建串行化，不同用户互不影响。
//
// 场景二：多实例部署时结算 Worker 的轮询租约，
// 同一条提现记录不允许被两个 Worker 同时推进。
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string        // 锁持有者标识
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
// 检查 value 匹配后才删除，避免锁过期后误删其他持有者的锁
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

// NewPayoutLock 创建提现锁（按用户维度）
//
// 同一用户的提现创建必须串行，不同用户可以并发
func NewPayoutLock(client *redis.Client, userID int64, holder string) *DistributedLock {
	key := fmt.Sprintf("payout:lock:user:%d", userID)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}

// NewWorkerLease 创建结算 Worker 的轮询租约
//
// 每轮开始前抢占，抢不到说明其他实例正在结算，本轮跳过。
// 过期时间应大于单轮最长耗时，防止租约中途失效导致双实例并发
func NewWorkerLease(client *redis.Client, holder string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, "settlement:lock:worker", holder, expiration)
}
