package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"applyflow-engine/pkg/config"
	"applyflow-engine/pkg/db"
	"applyflow-engine/pkg/gen"
	"applyflow-engine/pkg/logger"
	"applyflow-engine/pkg/ratelimit"
	"applyflow-engine/services/domainpolicy"
)

// Seeds a starter set of domain policies so a fresh deployment can dispatch
// against the common target systems without manual setup.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		fx.Provide(domainpolicy.NewService),
		fx.Invoke(migrate, seed),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
	if err := app.Stop(ctx); err != nil {
		log.Fatalf("seed shutdown failed: %v", err)
	}
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&domainpolicy.Domain{})
}

func seed(svc *domainpolicy.Service) error {
	domains := []*domainpolicy.Domain{
		{
			Host:           "myworkdayjobs.com",
			AutomationType: domainpolicy.Workday,
			CaptchaType:    domainpolicy.CaptchaIntermittent,
			RateLimitPolicy: domainpolicy.EncodePolicy(ratelimit.Policy{
				MaxConcurrent: 2,
				MinInterval:   5 * time.Second,
			}),
		},
		{
			Host:           "boards.greenhouse.io",
			AutomationType: domainpolicy.Greenhouse,
			CaptchaType:    domainpolicy.CaptchaNone,
			RateLimitPolicy: domainpolicy.EncodePolicy(ratelimit.Policy{
				MaxConcurrent: 4,
				MinInterval:   2 * time.Second,
			}),
		},
		{
			Host:           "jobs.lever.co",
			AutomationType: domainpolicy.Generic,
			CaptchaType:    domainpolicy.CaptchaIntermittent,
			RateLimitPolicy: domainpolicy.EncodePolicy(ratelimit.Policy{
				MaxConcurrent: 2,
				MinInterval:   3 * time.Second,
			}),
		},
	}

	ctx := context.Background()
	for _, d := range domains {
		if err := svc.Upsert(ctx, d); err != nil {
			return err
		}
	}

	zap.L().Info("domain policies seeded", zap.Int("count", len(domains)))
	return nil
}
