package domainpolicy

import (
	"context"
	"errors"
	"time"

	"applyflow-engine/pkg/errutil"
	"applyflow-engine/pkg/rediskey"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const healthCacheTTL = 5 * time.Minute

// Service is the domain policy store: per-host automation configuration plus
// the post-execution health write-back. Reads are served from a redis cache
// where possible so the dispatch loop does not hit the DB for every poll.
type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	redis *redis.Client
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Redis *redis.Client `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		redis: p.Redis,
	}
}

// Lookup resolves the Domain row for host.
func (s *Service) Lookup(ctx context.Context, host string) (*Domain, error) {
	var domain Domain
	if err := s.db.WithContext(ctx).Where("host = ?", host).First(&domain).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("no automation policy for host")
		}
		return nil, errutil.Internal("failed to look up domain policy", errutil.WithErr(err))
	}
	return &domain, nil
}

// RecordOutcome writes back the health signal observed after an execution and
// refreshes the cached value.
func (s *Service) RecordOutcome(ctx context.Context, host string, status HealthStatus) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Domain{}).
		Where("host = ?", host).
		Updates(map[string]interface{}{
			"last_status":     status,
			"last_checked_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return errutil.Internal("failed to record domain outcome", errutil.WithErr(res.Error))
	}

	s.cacheHealth(ctx, host, status)
	return nil
}

// Health returns the last observed health for host, preferring the redis
// cache. Unknown hosts are reported healthy; the policy lookup on dispatch is
// what rejects hosts without configuration.
func (s *Service) Health(ctx context.Context, host string) HealthStatus {
	if s.redis != nil {
		val, err := s.redis.Get(ctx, rediskey.BuildDomainHealthKey(host)).Result()
		if err == nil && HealthStatus(val).String() != "" {
			return HealthStatus(val)
		}
	}

	domain, err := s.Lookup(ctx, host)
	if err != nil {
		return Healthy
	}

	s.cacheHealth(ctx, host, domain.LastStatus)
	return domain.LastStatus
}

func (s *Service) cacheHealth(ctx context.Context, host string, status HealthStatus) {
	if s.redis == nil {
		return
	}
	key := rediskey.BuildDomainHealthKey(host)
	if err := s.redis.Set(ctx, key, status.String(), healthCacheTTL).Err(); err != nil {
		zap.L().Warn("failed to cache domain health", zap.String("host", host), zap.Error(err))
	}
}

// Upsert creates or replaces the policy row for a host. Used by configuration
// management and the seed tool; the dispatcher never calls it.
func (s *Service) Upsert(ctx context.Context, domain *Domain) error {
	if domain.ID == "" {
		domain.ID = s.node.Generate().String()
	}
	if domain.LastStatus.String() == "" {
		domain.LastStatus = Healthy
	}
	if domain.CaptchaType.String() == "" {
		domain.CaptchaType = CaptchaNone
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "host"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"automation_type", "rate_limit_policy", "captcha_type", "updated_at",
		}),
	}).Create(domain).Error
	if err != nil {
		return errutil.Internal("failed to upsert domain policy", errutil.WithErr(err))
	}

	zap.L().Info("domain policy upserted",
		zap.String("host", domain.Host),
		zap.String("automation_type", domain.AutomationType.String()),
	)
	return nil
}
