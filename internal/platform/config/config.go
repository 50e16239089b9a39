package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 20 * time.Second
	defaultIdleTimeout  = 90 * time.Second
	defaultAPITimeout   = 8 * time.Second
	defaultEnvironment  = "local"
	defaultSessionName  = "market_session"
	defaultSessionTTL   = 7 * 24 * time.Hour
	defaultDraftTTL     = 2 * time.Hour
	defaultEventsTopic  = "order-events"
)

// Config is the web tier's runtime configuration.
type Config struct {
	Environment string
	LogLevel    string
	// DisplayCurrency is the ISO code used when formatting amounts for the storefront.
	DisplayCurrency string
	Server          ServerConfig
	Backend         BackendConfig
	Session         SessionConfig
	Payments        PaymentsConfig
	Events          EventsConfig
	Trace           TraceConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BackendConfig points at the commerce REST API. An empty BaseURL enables the in-process fake.
type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

// SessionConfig controls the signed session cookie and server-side draft retention.
type SessionConfig struct {
	CookieName string
	HashKey    string
	Secure     bool
	TTL        time.Duration
	DraftTTL   time.Duration
}

// PaymentsConfig holds callback verification secrets.
type PaymentsConfig struct {
	GatewaySecret       string
	StripeWebhookSecret string
}

// EventsConfig configures the Pub/Sub publisher. An empty ProjectID disables publishing.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// TraceConfig sets the Cloud Trace project used to build log correlation fields.
type TraceConfig struct {
	ProjectID string
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists configuration fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failed secret lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errNoSecretResolver = errors.New("secret resolver not configured")

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the dotenv path. An empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies explicit values that win over the OS environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// Lookup returns a key lookup with the same precedence as Load
// (dotenv < OS env < explicit map). It is used to bootstrap dependencies such as the
// secret resolver before Load runs.
func Lookup(opts ...Option) (func(string) (string, bool), error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return options.lookup()
}

// Load reads configuration from defaults, .env, the environment and Secret Manager.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:     strings.ToLower(stringWithDefault(lookup, "MARKET_WEB_ENV", defaultEnvironment)),
		LogLevel:        stringWithDefault(lookup, "LOG_LEVEL", "info"),
		DisplayCurrency: strings.ToUpper(stringWithDefault(lookup, "MARKET_WEB_DISPLAY_CURRENCY", "USD")),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "MARKET_WEB_PORT", stringWithDefault(lookup, "PORT", defaultPort)),
			ReadTimeout:  durationWithDefault(lookup, "MARKET_WEB_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "MARKET_WEB_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "MARKET_WEB_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Backend: BackendConfig{
			BaseURL: strings.TrimRight(stringWithDefault(lookup, "MARKET_WEB_API_BASE_URL", ""), "/"),
			Timeout: durationWithDefault(lookup, "MARKET_WEB_API_TIMEOUT", defaultAPITimeout),
		},
		Session: SessionConfig{
			CookieName: stringWithDefault(lookup, "MARKET_WEB_SESSION_COOKIE", defaultSessionName),
			HashKey:    stringWithDefault(lookup, "MARKET_WEB_SESSION_HASH_KEY", ""),
			Secure:     boolWithDefault(lookup, "MARKET_WEB_SESSION_SECURE", false),
			TTL:        durationWithDefault(lookup, "MARKET_WEB_SESSION_TTL", defaultSessionTTL),
			DraftTTL:   durationWithDefault(lookup, "MARKET_WEB_DRAFT_TTL", defaultDraftTTL),
		},
		Payments: PaymentsConfig{
			GatewaySecret:       stringWithDefault(lookup, "MARKET_WEB_PAYMENT_GATEWAY_SECRET", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "MARKET_WEB_STRIPE_WEBHOOK_SECRET", ""),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "MARKET_WEB_PUBSUB_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "MARKET_WEB_PUBSUB_TOPIC", defaultEventsTopic),
		},
		Trace: TraceConfig{
			ProjectID: stringWithDefault(lookup, "MARKET_WEB_TRACE_PROJECT_ID", stringWithDefault(lookup, "GOOGLE_CLOUD_PROJECT", "")),
		},
	}

	secrets := []struct {
		name  string
		field *string
	}{
		{"Session.HashKey", &cfg.Session.HashKey},
		{"Payments.GatewaySecret", &cfg.Payments.GatewaySecret},
		{"Payments.StripeWebhookSecret", &cfg.Payments.StripeWebhookSecret},
	}
	for _, s := range secrets {
		resolved, err := resolveSecret(ctx, *s.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*s.field = resolved
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProduction reports whether the environment is a deployed one.
func (c Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

func defaultOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errNoSecretResolver
		}),
	}
}

func (o loaderOptions) lookup() (func(string) (string, bool), error) {
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if v, ok := o.envMap[key]; ok {
			return v, true
		}
		if o.useSystemEnv {
			if v, ok := os.LookupEnv(key); ok {
				return v, true
			}
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

func readDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "sm://"), "secret://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errNoSecretResolver}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validate(cfg Config) error {
	var invalid []string
	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Backend.BaseURL != "" {
		if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			invalid = append(invalid, "Backend.BaseURL")
		}
	}
	if cfg.Backend.Timeout <= 0 {
		invalid = append(invalid, "Backend.Timeout")
	}
	if cfg.Session.TTL <= 0 {
		invalid = append(invalid, "Session.TTL")
	}
	if cfg.Session.DraftTTL <= 0 {
		invalid = append(invalid, "Session.DraftTTL")
	}
	if cfg.IsProduction() {
		if len(cfg.Session.HashKey) < 32 {
			invalid = append(invalid, "Session.HashKey")
		}
		if cfg.Backend.BaseURL == "" {
			invalid = append(invalid, "Backend.BaseURL")
		}
	}
	if cfg.Events.ProjectID != "" && strings.TrimSpace(cfg.Events.Topic) == "" {
		invalid = append(invalid, "Events.Topic")
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if v, ok := lookup(key); ok && v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	v, ok := lookup(key)
	if !ok {
		return fallback
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		return b
	}
	return fallback
}
