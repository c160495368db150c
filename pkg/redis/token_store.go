package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// TokenStore keeps the gateway access token in a Redis hash so replicas
// share one credential. The key expires with the token.
type TokenStore struct {
	rdb *rd.Client
}

func NewTokenStore(rdb *rd.Client) *TokenStore {
	return &TokenStore{rdb: rdb}
}

// LoadToken 查询共享令牌。ok=false 表示 key 不存在或内容不完整。
func (s *TokenStore) LoadToken(ctx context.Context) (string, time.Time, bool, error) {
	m, err := s.rdb.HGetAll(ctx, AccessTokenKey()).Result()
	if err != nil {
		return "", time.Time{}, false, err
	}
	token := m["token"]
	unix, err := strconv.ParseInt(m["expires_at"], 10, 64)
	if token == "" || err != nil {
		return "", time.Time{}, false, nil
	}
	return token, time.Unix(unix, 0), true, nil
}

// StoreToken 写入令牌并把 key TTL 对齐到令牌过期时间。
func (s *TokenStore) StoreToken(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	key := AccessTokenKey()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"token", token,
		"expires_at", strconv.FormatInt(expiresAt.Unix(), 10),
	)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}
