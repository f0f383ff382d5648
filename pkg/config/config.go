package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App        AppConfig
	Redis      RedisConfig
	Session    SessionConfig
	Stripe     StripeConfig
	Commerce   CommerceConfig
	Resilience ResilienceConfig
	RateLimit  RateLimitConfig
	Webhook    WebhookConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	// DeployBranch is the branch signal stamped at deploy time; the
	// environment resolver maps it to development/staging/production.
	DeployBranch string `envconfig:"CHECKOUT_DEPLOY_BRANCH"`
	Port         string `envconfig:"CHECKOUT_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"CHECKOUT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CHECKOUT_LOG_WARN_STACK" default:"false"`

	// CORSOrigins lists browser origins allowed to call the API. Empty
	// falls back to the local storefront dev server.
	CORSOrigins []string `envconfig:"CHECKOUT_CORS_ORIGINS"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CHECKOUT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CHECKOUT_REDIS_ADDR"`
	Password     string        `envconfig:"CHECKOUT_REDIS_PASSWORD"`
	DB           int           `envconfig:"CHECKOUT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CHECKOUT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CHECKOUT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CHECKOUT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CHECKOUT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CHECKOUT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type SessionConfig struct {
	TTL time.Duration `envconfig:"CHECKOUT_SESSION_TTL" default:"30m"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"CHECKOUT_STRIPE_API_KEY" required:"true"`
	WebhookSecret string `envconfig:"CHECKOUT_STRIPE_WEBHOOK_SECRET" required:"true"`
}

type CommerceConfig struct {
	BaseURL     string        `envconfig:"CHECKOUT_COMMERCE_BASE_URL" required:"true"`
	AccessToken string        `envconfig:"CHECKOUT_COMMERCE_ACCESS_TOKEN" required:"true"`
	Timeout     time.Duration `envconfig:"CHECKOUT_COMMERCE_TIMEOUT" default:"10s"`

	// AllowedDomains lists storefront domains permitted to open sessions.
	// Empty means any domain is accepted (local development).
	AllowedDomains []string `envconfig:"CHECKOUT_ALLOWED_DOMAINS"`

	// FlatShippingRateCents is the fallback shipping rate returned when the
	// commerce platform is unreachable.
	FlatShippingRateCents int64 `envconfig:"CHECKOUT_FLAT_SHIPPING_RATE_CENTS" default:"1500"`
}

type ResilienceConfig struct {
	FailureThreshold int           `envconfig:"CHECKOUT_BREAKER_FAILURE_THRESHOLD" default:"5"`
	Cooldown         time.Duration `envconfig:"CHECKOUT_BREAKER_COOLDOWN" default:"30s"`
	MaxAttempts      int           `envconfig:"CHECKOUT_RETRY_MAX_ATTEMPTS" default:"3"`
	BaseBackoff      time.Duration `envconfig:"CHECKOUT_RETRY_BASE_BACKOFF" default:"200ms"`
	MaxBackoff       time.Duration `envconfig:"CHECKOUT_RETRY_MAX_BACKOFF" default:"2s"`
}

type RateLimitConfig struct {
	PaymentWindow time.Duration `envconfig:"CHECKOUT_PAYMENT_RATE_LIMIT_WINDOW" default:"1m"`
	PaymentLimit  int           `envconfig:"CHECKOUT_PAYMENT_RATE_LIMIT" default:"10"`
}

type WebhookConfig struct {
	// LedgerTTL bounds how long processed payment ids are remembered for
	// duplicate-delivery detection.
	LedgerTTL time.Duration `envconfig:"CHECKOUT_WEBHOOK_LEDGER_TTL" default:"720h"`
}

// DomainAllowed reports whether the storefront domain may open sessions.
func (c CommerceConfig) DomainAllowed(domain string) bool {
	if len(c.AllowedDomains) == 0 {
		return true
	}
	normalized := strings.ToLower(strings.TrimSpace(domain))
	for _, allowed := range c.AllowedDomains {
		if strings.EqualFold(strings.TrimSpace(allowed), normalized) {
			return true
		}
	}
	return false
}
