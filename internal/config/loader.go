package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("database.postgres.max_open_conns", 25)
	viper.SetDefault("database.postgres.max_idle_conns", 5)
	viper.SetDefault("database.postgres.conn_max_lifetime", "30m")
	viper.SetDefault("idempotency.ttl_seconds", 60)
	viper.SetDefault("idempotency.backend", "memory")
	viper.SetDefault("idempotency.on_redis_error", "allow")
	viper.SetDefault("broker.transport_mode", "broker")
	viper.SetDefault("broker.request_timeout", "15s")
	viper.SetDefault("poller.interval", "5s")
	viper.SetDefault("poller.limit", 100)
	viper.SetDefault("poll.rewrite_retry_delay", "500ms")
	viper.SetDefault("crm.request_timeout", "10s")
	viper.SetDefault("webhook.rate_limit.enabled", true)
	viper.SetDefault("webhook.rate_limit.window", "10s")
	viper.SetDefault("webhook.rate_limit.max_requests", 60)
	viper.SetDefault("webhook.rate_limit.cleanup_interval", "5m")
	viper.SetDefault("webhook.rate_limit.max_age", "10m")
}

func bindEnvVariables() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("webhook.api_key", "WEBHOOK_API_KEY")
	viper.BindEnv("webhook.signature_secret", "WEBHOOK_SIGNATURE_SECRET")
	viper.BindEnv("webhook.enforce_signature", "WEBHOOK_ENFORCE_SIGNATURE")
	viper.BindEnv("webhook.verify_token", "WEBHOOK_VERIFY_TOKEN")
	viper.BindEnv("webhook.default_instance", "WEBHOOK_DEFAULT_INSTANCE")

	viper.BindEnv("broker.base_url", "BROKER_BASE_URL")
	viper.BindEnv("broker.api_token", "BROKER_API_TOKEN")
	viper.BindEnv("broker.transport_mode", "BROKER_TRANSPORT_MODE")

	viper.BindEnv("poller.enabled", "POLLER_ENABLED")
	viper.BindEnv("poller.interval", "POLLER_INTERVAL")

	viper.BindEnv("crm.base_url", "CRM_BASE_URL")
	viper.BindEnv("crm.api_token", "CRM_API_TOKEN")

	viper.BindEnv("export.brokers", "EXPORT_BROKERS")
	viper.BindEnv("export.topic", "EXPORT_TOPIC")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("EXPORT_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Export.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
