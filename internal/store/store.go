// Package store is the gorm-backed persistence layer for orders, carts and
// payment transactions. Multi-row changes that must be all-or-nothing live
// here, each inside one database transaction.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"mpesa_checkout/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open 连接 SQLite 并自动建表。写事务使用 BEGIN IMMEDIATE，
// 并发回调在 busy_timeout 内排队而不是直接报 locked。
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		TranslateError: true,
		Logger:         newLogger(log.New(os.Stderr, "\r\n", log.LstdFlags)),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.AutoMigrate(
		&model.User{},
		&model.Product{},
		&model.Cart{},
		&model.CartItem{},
		&model.Order{},
		&model.OrderItem{},
		&model.Transaction{},
		&model.Notification{},
		&model.CallbackLog{},
	); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db, nil
}

// newLogger 回调查不到交易、用户没有购物车都是正常路径，不记为错误。
func newLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// requiredParams 并发回调的正确性依赖这两个参数，调用方自带的同名参数优先。
var requiredParams = []struct{ key, value string }{
	{"_busy_timeout", "5000"},
	{"_txlock", "immediate"},
}

// dsn appends the required connection parameters that path does not set.
func dsn(path string) string {
	base, query, _ := strings.Cut(path, "?")
	params := []string{}
	if query != "" {
		params = append(params, query)
	}
	for _, p := range requiredParams {
		if !hasParam(query, p.key) {
			params = append(params, p.key+"="+p.value)
		}
	}
	return base + "?" + strings.Join(params, "&")
}

func hasParam(query, key string) bool {
	for _, kv := range strings.Split(query, "&") {
		if k, _, _ := strings.Cut(kv, "="); k == key {
			return true
		}
	}
	return false
}

// isUniqueViolation 幂等：唯一键冲突说明另一个请求已写入同一条记录。
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
