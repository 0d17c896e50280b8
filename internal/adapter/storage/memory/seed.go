package memory

import (
	"context"
	"fmt"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/spf13/viper"
)

// subscriptionSeed is the file shape of one subscription.
type subscriptionSeed struct {
	Name                          string            `mapstructure:"name"`
	TargetURL                     string            `mapstructure:"target_url"`
	SigningSecret                 string            `mapstructure:"signing_secret"`
	DeliveryTimeoutMs             int               `mapstructure:"delivery_timeout_ms"`
	MaxAttempts                   int               `mapstructure:"max_attempts"`
	RetryBackoffSeconds           int               `mapstructure:"retry_backoff_seconds"`
	CircuitBreakerThreshold       *int              `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerDurationSeconds int               `mapstructure:"circuit_breaker_duration_seconds"`
	StaticHeaders                 map[string]string `mapstructure:"static_headers"`
	EventTypes                    []string          `mapstructure:"event_types"`
	Enabled                       *bool             `mapstructure:"enabled"`
}

// LoadSubscriptions reads the `subscriptions` list from a YAML or JSON file.
// Omitted fields take the same defaults as the webhook_subscriptions table.
// Static header names come back lower-cased, as viper folds map keys.
func LoadSubscriptions(path string) ([]domain.WebhookSubscription, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var seeds []subscriptionSeed
	if err := v.UnmarshalKey("subscriptions", &seeds); err != nil {
		return nil, fmt.Errorf("unmarshaling seed file: %w", err)
	}

	subs := make([]domain.WebhookSubscription, 0, len(seeds))
	for i, s := range seeds {
		if s.TargetURL == "" {
			return nil, fmt.Errorf("seed subscription %d: target_url is required", i)
		}
		sub := domain.WebhookSubscription{
			Name:                          s.Name,
			TargetURL:                     s.TargetURL,
			SigningSecret:                 s.SigningSecret,
			DeliveryTimeoutMs:             orDefault(s.DeliveryTimeoutMs, 10000),
			MaxAttempts:                   orDefault(s.MaxAttempts, 5),
			RetryBackoffSeconds:           orDefault(s.RetryBackoffSeconds, 30),
			CircuitBreakerThreshold:       5,
			CircuitBreakerDurationSeconds: orDefault(s.CircuitBreakerDurationSeconds, 300),
			StaticHeaders:                 s.StaticHeaders,
			EventTypes:                    s.EventTypes,
			Enabled:                       s.Enabled == nil || *s.Enabled,
		}
		if s.CircuitBreakerThreshold != nil {
			sub.CircuitBreakerThreshold = *s.CircuitBreakerThreshold
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Seed adds every subscription to the store.
func (r *SubscriptionRepo) Seed(ctx context.Context, subs []domain.WebhookSubscription) error {
	for i := range subs {
		if err := r.Add(ctx, &subs[i]); err != nil {
			return err
		}
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
