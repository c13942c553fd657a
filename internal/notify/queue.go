// queue.go
//
// Redis-backed async notification queue. QueuedNotifier implements Notifier and
// enqueues messages instead of sending synchronously; StartWorker drains the
// queue in a background goroutine and hands each message to the inner Notifier.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MGallo-Code/fitroom/internal/metrics"
)

// QueueKey is the Redis list used as the outbound notification queue.
const QueueKey = "fitroom:notify:queue"

// DefaultMaxQueueSize caps the queue while the chat API is unreachable. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by Notify when the queue has reached its size cap.
var ErrQueueFull = errors.New("notification queue full")

// QueuedNotifier enqueues messages to Redis so handlers return without waiting
// on the chat API.
type QueuedNotifier struct {
	inner        Notifier
	rdb          *redis.Client
	maxQueueSize int64
	log          *slog.Logger
}

// NewQueuedNotifier wraps inner with a Redis-backed queue capped at maxSize (0 = unlimited).
func NewQueuedNotifier(inner Notifier, rdb *redis.Client, maxSize int64) *QueuedNotifier {
	return &QueuedNotifier{
		inner:        inner,
		rdb:          rdb,
		maxQueueSize: maxSize,
		log:          slog.Default().With("component", "notify"),
	}
}

// enqueueScript pushes ARGV[2] only while the list is under ARGV[1] (0 = skip check).
// Returns 1 if enqueued, 0 if full.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// Notify appends msg to the queue. Returns ErrQueueFull at the cap.
func (q *QueuedNotifier) Notify(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing notification: %w", err)
	}
	if ok == 0 {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the queue until ctx is cancelled. Call in a goroutine.
func (q *QueuedNotifier) StartWorker(ctx context.Context) {
	for {
		// BLPop returns redis.Nil after 2s so ctx is rechecked without spinning.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.log.Error("queue pop failed", "err", err)
			// Redis down: back off instead of hammering it.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		q.dispatch(ctx, []byte(res[1]))
	}
}

// dispatch decodes one payload and sends it. Failures are logged and dropped.
func (q *QueuedNotifier) dispatch(ctx context.Context, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		q.log.Error("bad notification payload", "err", err)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return
	}
	if err := q.inner.Notify(ctx, msg); err != nil {
		q.log.Error("send failed", "kind", msg.Kind, "err", err)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
