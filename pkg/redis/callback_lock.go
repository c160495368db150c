package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// ErrLockBusy 等待超时仍未拿到锁。
var ErrLockBusy = errors.New("callback lock busy")

// luaAcquireOnce 通过 SETNX 抢锁并设置过期时间，锁值为持有者 token。
const luaAcquireOnce = `
local lockKey = KEYS[1]
local token = ARGV[1]
local ttlMs = tonumber(ARGV[2])

if redis.call('SETNX', lockKey, token) == 1 then
  redis.call('PEXPIRE', lockKey, ttlMs)
  return 1
end
return 0
`

// luaReleaseIfMatch 仅当锁值匹配 token 时才删除，避免误删他人持有的锁。
const luaReleaseIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// CallbackLock serialises processing of one checkout id across replicas.
type CallbackLock struct {
	rdb   *rd.Client
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

// NewCallbackLock ttl bounds how long a crashed holder blocks others; wait
// bounds how long Lock polls before giving up.
func NewCallbackLock(rdb *rd.Client, ttl, wait time.Duration) *CallbackLock {
	return &CallbackLock{rdb: rdb, ttl: ttl, wait: wait, retry: 50 * time.Millisecond}
}

// Lock acquires the lock for checkoutRequestID and returns its release func.
// It returns ErrLockBusy when another holder kept it for the whole wait.
func (l *CallbackLock) Lock(ctx context.Context, checkoutRequestID string) (func(), error) {
	key := CallbackLockKey(checkoutRequestID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		n, err := l.rdb.Eval(ctx, luaAcquireOnce, []string{key}, token, l.ttl.Milliseconds()).Int()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return func() {
				// 释放使用独立 context，请求取消后仍能解锁。
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				defer cancel()
				_, _ = l.rdb.Eval(rctx, luaReleaseIfMatch, []string{key}, token).Int()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}
