package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"applyflow-engine/internal/httpapi"
	"applyflow-engine/internal/server"
	"applyflow-engine/pkg/config"
	"applyflow-engine/pkg/db"
	"applyflow-engine/pkg/gen"
	"applyflow-engine/pkg/health"
	"applyflow-engine/pkg/logger"
	"applyflow-engine/pkg/minio"
	"applyflow-engine/pkg/ratelimit"
	"applyflow-engine/pkg/redis"
	"applyflow-engine/pkg/task"
	"applyflow-engine/services/agent"
	"applyflow-engine/services/audit"
	"applyflow-engine/services/collaborator"
	"applyflow-engine/services/dispatcher"
	"applyflow-engine/services/domainpolicy"
	"applyflow-engine/services/notify"
	taskservice "applyflow-engine/services/task"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		minio.Client,
		task.Client,
		gen.Module,
		ratelimit.Module,
		health.Module,
		collaborator.Module,
		domainpolicy.Module,
		audit.Module,
		agent.Module,
		notify.Module,
		taskservice.Module,
		dispatcher.Module,
		httpapi.Module,
		server.Module,
		fx.Invoke(
			db.Otel,
			db.Metric,
			migrate,
		),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&taskservice.Task{},
		&audit.Log{},
		&domainpolicy.Domain{},
	)
}
