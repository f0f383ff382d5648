package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/copperline/checkout-backend/pkg/config"
	"github.com/copperline/checkout-backend/pkg/environment"
	"github.com/copperline/checkout-backend/pkg/logger"
)

var (
	errAPIKeyRequired = errors.New("stripe api key is required")
	errSecretRequired = errors.New("stripe webhook secret is required")
)

// Client wraps Stripe's API client plus environment-specific metadata.
type Client struct {
	api           *stripe.Client
	environment   environment.Environment
	signingSecret string
}

// NewClient initializes Stripe once with the configured secrets, checking the
// key mode against the resolved environment: production requires a live key,
// everything else a test key. A staging deploy holding a live key is a
// misconfiguration worth failing on at boot.
func NewClient(ctx context.Context, cfg config.StripeConfig, env environment.Environment, logg *logger.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.WebhookSecret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	api := stripe.NewClient(apiKey)
	stripe.Key = apiKey

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		api:           api,
		environment:   env,
		signingSecret: signingSecret,
	}, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment reports the resolved deployment environment the client serves.
func (c *Client) Environment() environment.Environment {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

func validateAPIKey(env environment.Environment, key string) error {
	if env.IsProduction() {
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("environment %q requires a live secret key (sk_live/rk_live)", env)
	}
	if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
		return nil
	}
	return fmt.Errorf("environment %q requires a test secret key (sk_test/rk_test)", env)
}
