// Package notify mirrors platform events to external observers over Redis
// pub/sub. Delivery is best-effort: a failed or slow publish is dropped and
// logged, never propagated to the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/voice-agent-platform/pkg/logger"
)

// Redis publishes events on account-scoped channels:
// voiceagent:{account_id}:{channel}.
type Redis struct {
	rdb     *redis.Client
	log     *logger.Logger
	timeout time.Duration
}

// NewRedis builds the notifier.
func NewRedis(rdb *redis.Client, log *logger.Logger) *Redis {
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{rdb: rdb, log: log.Named("notify"), timeout: 2 * time.Second}
}

// Publish emits the payload as JSON from a background goroutine, so a slow
// or unreachable Redis never stalls the caller. The publish itself is bounded
// by the notifier timeout and dropped on failure.
func (n *Redis) Publish(ctx context.Context, accountID uuid.UUID, channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn("drop unencodable notification", zap.String("channel", channel), zap.Error(err))
		return
	}

	key := fmt.Sprintf("voiceagent:%s:%s", accountID, channel)
	// Detach from the caller's cancellation but keep its values, so an
	// in-flight publish survives the request that triggered it.
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()
		if err := n.rdb.Publish(ctx, key, body).Err(); err != nil {
			n.log.Debug("notification dropped", zap.String("channel", key), zap.Error(err))
		}
	}()
}
