// Package secrets resolves secret:// configuration references against Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterName = "finitefield.org/market-web/internal/platform/secrets"

// ErrNotFound is returned when the referenced secret or version does not exist.
var ErrNotFound = errors.New("secrets: secret not found")

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver caches Secret Manager lookups for the lifetime of the process.
type Resolver struct {
	client     accessClient
	ownsClient bool
	projectID  string
	logger     *zap.Logger
	meter      metric.Meter
	latency    metric.Float64Histogram
	cacheHits  metric.Int64Counter

	mu    sync.Mutex
	cache map[string]string
}

// Option customises NewResolver.
type Option func(*Resolver)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMeter injects an OpenTelemetry meter; the global provider is used otherwise.
func WithMeter(m metric.Meter) Option {
	return func(r *Resolver) { r.meter = m }
}

// WithClient injects a Secret Manager client, mainly for tests.
func WithClient(client accessClient) Option {
	return func(r *Resolver) { r.client = client }
}

// NewResolver builds a resolver for projectID. When no client is injected a Secret Manager
// client is created with the supplied client options.
func NewResolver(ctx context.Context, projectID string, opts []Option, clientOpts ...option.ClientOption) (*Resolver, error) {
	r := &Resolver{
		projectID: strings.TrimSpace(projectID),
		logger:    zap.NewNop(),
		cache:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.meter == nil {
		r.meter = otel.GetMeterProvider().Meter(meterName)
	}
	var err error
	if r.latency, err = r.meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for Secret Manager access calls"),
	); err != nil {
		r.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
	}
	if r.cacheHits, err = r.meter.Int64Counter("secrets.cache.hits",
		metric.WithDescription("Secret lookups served from the process cache"),
	); err != nil {
		r.logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
	}
	if r.client == nil {
		client, err := secretmanager.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create client: %w", err)
		}
		r.client = client
		r.ownsClient = true
	}
	return r, nil
}

// Close releases the underlying client when the resolver created it.
func (r *Resolver) Close() error {
	if r == nil || !r.ownsClient || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ResolveSecret accepts "secret://NAME", "secret://NAME?version=3&project=P" and
// "secret://projects/P/secrets/NAME[/versions/V]".
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, err := r.resourceName(ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if v, ok := r.cache[name]; ok {
		r.mu.Unlock()
		if r.cacheHits != nil {
			r.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret.resource", name)))
		}
		return v, nil
	}
	r.mu.Unlock()

	start := time.Now()
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if r.latency != nil {
		r.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(
			attribute.String("secret.resource", name),
			attribute.Bool("secret.ok", err == nil),
		))
	}
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}
	value := strings.TrimSpace(string(resp.GetPayload().GetData()))

	r.mu.Lock()
	r.cache[name] = value
	r.mu.Unlock()
	r.logger.Debug("secret resolved", zap.String("resource", name))
	return value, nil
}

func (r *Resolver) resourceName(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" && u.Scheme != "sm" {
		return "", fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	path := strings.Trim(u.Host+u.Path, "/")
	if path == "" {
		return "", errors.New("secrets: missing secret name")
	}
	if strings.HasPrefix(path, "projects/") {
		if !strings.Contains(path, "/versions/") {
			path += "/versions/latest"
		}
		return path, nil
	}

	project := strings.TrimSpace(u.Query().Get("project"))
	if project == "" {
		project = r.projectID
	}
	if project == "" {
		return "", fmt.Errorf("secrets: no project for %q", path)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, path, version), nil
}
