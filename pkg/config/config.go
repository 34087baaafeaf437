package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Server     struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	// Dispatcher tunables are deployment configuration, never compiled-in
	// constants. Backoff before attempt n+1 is Base*2^(n-1), capped at Max,
	// with +/- Jitter fraction applied.
	Dispatcher struct {
		MaxConcurrent   int           `mapstructure:"MAX_CONCURRENT"`
		PollInterval    time.Duration `mapstructure:"POLL_INTERVAL"`
		MaxAttempts     int           `mapstructure:"MAX_ATTEMPTS"`
		BackoffBase     time.Duration `mapstructure:"BACKOFF_BASE"`
		BackoffMax      time.Duration `mapstructure:"BACKOFF_MAX"`
		BackoffJitter   float64       `mapstructure:"BACKOFF_JITTER"`
		AttemptTimeout  time.Duration `mapstructure:"ATTEMPT_TIMEOUT"`
		ReclaimAfter    time.Duration `mapstructure:"RECLAIM_AFTER"`
		ReclaimInterval time.Duration `mapstructure:"RECLAIM_INTERVAL"`
	} `mapstructure:"DISPATCHER"`
	Collaborators struct {
		ProfileURL string        `mapstructure:"PROFILE_URL"`
		JobURL     string        `mapstructure:"JOB_URL"`
		Timeout    time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"COLLABORATORS"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config file", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	ApplyDefaults(&cfg)

	return &cfg
}

// ApplyDefaults fills unset dispatcher tunables with conservative values.
func ApplyDefaults(cfg *Config) {
	d := &cfg.Dispatcher
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = 8
	}
	if d.PollInterval <= 0 {
		d.PollInterval = time.Second
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if d.BackoffBase <= 0 {
		d.BackoffBase = 30 * time.Second
	}
	if d.BackoffMax <= 0 {
		d.BackoffMax = 15 * time.Minute
	}
	if d.BackoffJitter <= 0 {
		d.BackoffJitter = 0.1
	}
	if d.AttemptTimeout <= 0 {
		d.AttemptTimeout = 2 * time.Minute
	}
	if d.ReclaimAfter <= 0 {
		d.ReclaimAfter = 3 * d.AttemptTimeout
	}
	if d.ReclaimInterval <= 0 {
		d.ReclaimInterval = time.Minute
	}
	if cfg.Collaborators.Timeout <= 0 {
		cfg.Collaborators.Timeout = 10 * time.Second
	}
}
