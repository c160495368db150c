package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mpesa_checkout/pkg/logkey"
	rediskey "mpesa_checkout/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳(ms)，ARGV[2]=窗口开始时间戳(ms)，ARGV[3]=窗口秒数，ARGV[4]=member，ARGV[5]=limit
// 返回：当前窗口内的请求数（超限返回 -1）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)

if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// RedisRateLimit 按用户限制下单频率，未识别用户时按 IP。
// 必须挂在 RequireUser 之后才能按用户计数。
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration) gin.HandlerFunc {
	windowSec := int64(window.Seconds())
	if windowSec < 1 {
		windowSec = 1
	}
	return func(c *gin.Context) {
		key := rediskey.CheckoutRateIPKey(c.ClientIP())
		if userID := UserID(c); userID != "" {
			key = rediskey.CheckoutRateKey(userID)
		}

		now := time.Now()
		nowMs := now.UnixMilli()
		windowStart := nowMs - windowSec*1000
		member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			nowMs, windowStart, windowSec, member, limit).Int()
		if err != nil {
			// Redis 出错时放行（降级策略）
			slog.Warn("rate limit check failed, allowing request",
				slog.String(logkey.TraceID, TraceID(c)),
				slog.String(logkey.Error, err.Error()))
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many checkout attempts, try again later",
			})
			return
		}
		c.Next()
	}
}
