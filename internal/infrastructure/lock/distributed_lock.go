package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 终端锁
// ============================================================================
//
// 一台现金机同一时刻只能跑一笔交易。多个 API 实例共用同一个终端时，
// 用 Redis 锁保证只有一个实例驱动设备。
//
// 加锁：SET key value NX PX ttl
//   - value 是持有者 token，释放和续期时校验，避免删掉别人的锁
//
// 释放/续期：Lua 脚本，先比对 value 再操作
//
// ============================================================================

var ErrLockExpired = errors.New("锁已过期")

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 持有者 token
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// NewTerminalLock 按终端加锁，token 每次随机生成
func NewTerminalLock(client *redis.Client, terminalID string, expiration time.Duration) *DistributedLock {
	key := fmt.Sprintf("settlement:lock:terminal:%s", terminalID)
	return NewDistributedLock(client, key, uuid.NewString(), expiration)
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Refresh 续期，锁已不属于自己时返回 ErrLockExpired
func (l *DistributedLock) Refresh(ctx context.Context) error {
	n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.value, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockExpired
	}
	return nil
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}
