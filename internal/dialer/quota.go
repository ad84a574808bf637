package dialer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/domain"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

// RedisQuota tracks attempt counters in Redis: a per-campaign counter keyed
// by the campaign's local calendar day, and a per-account counter keyed by
// UTC day. Counters expire on their own so a crashed process leaves no
// permanent debris.
type RedisQuota struct {
	rdb *redis.Client
	cfg config.QuotaConfig
}

// NewRedisQuota builds the quota keeper.
func NewRedisQuota(rdb *redis.Client, cfg config.QuotaConfig) *RedisQuota {
	if cfg.CounterTTL <= 0 {
		cfg.CounterTTL = 48 * time.Hour
	}
	return &RedisQuota{rdb: rdb, cfg: cfg}
}

func campaignDayKey(campaign *domain.Campaign, now time.Time) string {
	return fmt.Sprintf("dialer:attempts:%s:%s", campaign.ID, campaign.DayKey(now))
}

func accountDayKey(accountID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("dialer:account:%s:%s", accountID, now.UTC().Format("2006-01-02"))
}

// DailyAttempts returns today's attempt count for the campaign.
func (q *RedisQuota) DailyAttempts(ctx context.Context, campaign *domain.Campaign, now time.Time) (int64, error) {
	n, err := q.rdb.Get(ctx, campaignDayKey(campaign, now)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: daily attempts: %w", err)
	}
	return n, nil
}

// CheckAccount verifies the account still has call budget for the day.
func (q *RedisQuota) CheckAccount(ctx context.Context, accountID uuid.UUID, now time.Time) error {
	limit := q.cfg.AccountCallLimit
	if limit <= 0 {
		return nil
	}
	used, err := q.rdb.Get(ctx, accountDayKey(accountID, now)).Int64()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("quota: account usage: %w", err)
	}
	if used >= limit {
		return fmt.Errorf("%w: account %s used %d of %d calls", apperrors.ErrQuotaExceeded, accountID, used, limit)
	}
	return nil
}

// RecordAttempt counts one placed attempt against both budgets.
func (q *RedisQuota) RecordAttempt(ctx context.Context, campaign *domain.Campaign, now time.Time) error {
	pipe := q.rdb.TxPipeline()
	ck := campaignDayKey(campaign, now)
	ak := accountDayKey(campaign.AccountID, now)
	pipe.Incr(ctx, ck)
	pipe.Expire(ctx, ck, q.cfg.CounterTTL)
	pipe.Incr(ctx, ak)
	pipe.Expire(ctx, ak, q.cfg.CounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quota: record attempt: %w", err)
	}
	return nil
}
