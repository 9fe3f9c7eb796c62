package config

import (
	"fmt"

	"waflow/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateWebhook(cfg.Webhook); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker, cfg.Poller); err != nil {
		errors = append(errors, err)
	}

	if err := validateIdempotency(cfg.Idempotency); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	return nil
}

func validateWebhook(cfg WebhookConfig) error {
	if cfg.EnforceSignature && cfg.SignatureSecret == "" {
		return &ValidationError{
			Field:   "webhook.signature_secret",
			Message: "required when enforce_signature is true",
		}
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Window <= 0 {
			return &ValidationError{Field: "webhook.rate_limit.window", Message: "must be positive"}
		}
		if cfg.RateLimit.MaxRequests <= 0 {
			return &ValidationError{Field: "webhook.rate_limit.max_requests", Message: "must be positive"}
		}
	}
	return nil
}

func validateBroker(cfg BrokerConfig, poller PollerConfig) error {
	switch cfg.TransportMode {
	case constants.TransportModeBroker, constants.TransportModeSidecar:
	default:
		return &ValidationError{
			Field:   "broker.transport_mode",
			Message: fmt.Sprintf("unknown transport mode %q", cfg.TransportMode),
		}
	}

	if poller.Enabled && cfg.TransportMode == constants.TransportModeBroker && cfg.BaseURL == "" {
		return &ValidationError{
			Field:   "broker.base_url",
			Message: "required when the cursor poller is enabled",
		}
	}
	return nil
}

func validateIdempotency(cfg IdempotencyConfig) error {
	if cfg.TTLSeconds <= 0 {
		return &ValidationError{Field: "idempotency.ttl_seconds", Message: "must be positive"}
	}
	switch cfg.Backend {
	case "", "memory", "redis":
	default:
		return &ValidationError{
			Field:   "idempotency.backend",
			Message: fmt.Sprintf("unknown backend %q", cfg.Backend),
		}
	}
	switch cfg.OnRedisError {
	case "", constants.FallbackAllow, constants.FallbackDeny:
	default:
		return &ValidationError{
			Field:   "idempotency.on_redis_error",
			Message: "must be \"allow\" or \"deny\"",
		}
	}
	return nil
}
