package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"mpesa_checkout/pkg/logkey"

	rd "github.com/redis/go-redis/v9"
)

// Publisher 接收转发的支付事件，生产环境为 *Producer。
type Publisher interface {
	Publish(ctx context.Context, ev PaymentEvent) error
}

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 200 * time.Millisecond
	maxBackoff         = 30 * time.Second
	readBatch          = 16
)

// RelayConfig 描述 Relay 消费的 Stream 以及失败预算。
type RelayConfig struct {
	Stream   string
	Group    string
	Consumer string
	// DeadLetter 为空时使用 Stream + ":dead"。
	DeadLetter string
	// MaxAttempts 单个事件允许的发布失败次数，用尽后转入死信。
	MaxAttempts int
	Backoff     time.Duration
}

// Relay 将 Redis Stream 中的支付事件转发到 Kafka。
// 发布成功后才 ACK；同一事件连续失败 MaxAttempts 次或无法解析时，
// 原始字段连同失败原因写入死信 Stream，再从主 Stream 移除。
type Relay struct {
	rdb      *rd.Client
	producer Publisher
	cfg      RelayConfig

	// attempts 只在 Run 的 goroutine 中访问；进程重启后预算重新计数。
	attempts map[string]int
}

func NewRelay(rdb *rd.Client, producer Publisher, cfg RelayConfig) *Relay {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.DeadLetter == "" {
		cfg.DeadLetter = cfg.Stream + ":dead"
	}
	return &Relay{
		rdb:      rdb,
		producer: producer,
		cfg:      cfg,
		attempts: make(map[string]int),
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		slog.Error("relay ensure group", slog.String(logkey.Error, err.Error()))
		return
	}

	failures := 0
	for ctx.Err() == nil {
		msgs, err := r.next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("relay read", slog.String(logkey.Error, err.Error()))
			failures++
			r.wait(ctx, failures)
			continue
		}
		if r.forward(ctx, msgs) {
			failures = 0
			continue
		}
		failures++
		r.wait(ctx, failures)
	}
}

// next 优先返回本消费者的 pending 消息，没有时再阻塞读取新消息。
func (r *Relay) next(ctx context.Context) ([]rd.XMessage, error) {
	msgs, err := r.readGroup(ctx, "0", 0)
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}
	return r.readGroup(ctx, ">", 2*time.Second)
}

// forward 按顺序处理一批消息，遇到第一个失败即停止，保证同一订单事件不乱序。
func (r *Relay) forward(ctx context.Context, msgs []rd.XMessage) bool {
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			slog.Warn("relay process message",
				slog.String("id", xm.ID),
				slog.Int("attempt", r.attempts[xm.ID]),
				slog.String(logkey.Error, err.Error()),
			)
			return false
		}
	}
	return true
}

func (r *Relay) wait(ctx context.Context, failures int) {
	if failures > 8 {
		failures = 8
	}
	d := r.cfg.Backoff << (failures - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{r.cfg.Stream, streamID},
		Count:    readBatch,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, readBatch)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// processOne 返回 error 表示消息仍留在 pending 中等待下一轮重试。
func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	ev, err := parsePaymentEvent(xm.Values)
	if err != nil {
		// 无法解析的消息重试也不会成功，直接进死信。
		return r.deadLetter(ctx, xm, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.producer.Publish(pubCtx, ev); err != nil {
		r.attempts[xm.ID]++
		if r.attempts[xm.ID] < r.cfg.MaxAttempts {
			return err
		}
		return r.deadLetter(ctx, xm, fmt.Errorf("publish failed %d times: %w", r.attempts[xm.ID], err))
	}
	return r.ack(ctx, xm.ID, nil)
}

func (r *Relay) deadLetter(ctx context.Context, xm rd.XMessage, reason error) error {
	values := make(map[string]interface{}, len(xm.Values)+3)
	for k, v := range xm.Values {
		values[k] = v
	}
	values["dead_reason"] = reason.Error()
	values["dead_source_id"] = xm.ID
	values["dead_attempts"] = r.attempts[xm.ID]

	if err := r.ack(ctx, xm.ID, values); err != nil {
		return fmt.Errorf("dead-letter %s: %w", xm.ID, err)
	}
	slog.Error("relay dead-lettered event",
		slog.String("id", xm.ID),
		slog.String("dead_letter", r.cfg.DeadLetter),
		slog.String(logkey.Error, reason.Error()),
	)
	return nil
}

// ack 在同一事务中写死信（如有）、ACK 并删除原消息。
func (r *Relay) ack(ctx context.Context, id string, dead map[string]interface{}) error {
	pipe := r.rdb.TxPipeline()
	if dead != nil {
		pipe.XAdd(ctx, &rd.XAddArgs{Stream: r.cfg.DeadLetter, Values: dead})
	}
	pipe.XAck(ctx, r.cfg.Stream, r.cfg.Group, id)
	pipe.XDel(ctx, r.cfg.Stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	delete(r.attempts, id)
	return nil
}

func parsePaymentEvent(values map[string]interface{}) (PaymentEvent, error) {
	var ev PaymentEvent
	fields := []struct {
		key string
		dst *string
	}{
		{"type", &ev.Type},
		{"order_id", &ev.OrderID},
		{"user_id", &ev.UserID},
		{"checkout_request_id", &ev.CheckoutRequestID},
		{"receipt_number", &ev.ReceiptNumber},
		{"amount", &ev.Amount},
	}
	for _, f := range fields {
		v, err := getStreamString(values, f.key)
		if err != nil {
			return PaymentEvent{}, err
		}
		*f.dst = v
	}

	occurred, err := getStreamString(values, "occurred_at")
	if err != nil {
		return PaymentEvent{}, err
	}
	ev.OccurredAt, err = time.Parse(time.RFC3339Nano, occurred)
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("invalid occurred_at %q", occurred)
	}

	if err := ev.Validate(); err != nil {
		return PaymentEvent{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
