// Package secrets resolves secret:// references used in configuration, such as the Stripe key and the
// webhook signing secret.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
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
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultLocalFile = ".secrets.local"
	defaultCacheTTL  = 10 * time.Minute
	meterName        = "github.com/storefront/checkout-api/internal/platform/secrets"
)

// ErrNotFound is returned when neither Secret Manager nor the local file has the secret.
var ErrNotFound = errors.New("secrets: not found")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver satisfies config.SecretResolver.
type Resolver struct {
	client     accessClient
	ownsClient bool
	logger     *zap.Logger
	project    string
	localFile  string
	ttl        time.Duration
	now        func() time.Time

	localOnce sync.Once
	local     map[string]string

	mu    sync.Mutex
	cache map[string]cached
	group singleflight.Group

	lookups metric.Int64Counter
}

type cached struct {
	value   string
	expires time.Time
}

type settings struct {
	logger     *zap.Logger
	project    string
	localFile  string
	ttl        time.Duration
	now        func() time.Time
	client     accessClient
	clientOpts []option.ClientOption
	meter      metric.Meter
}

// Option customises a Resolver.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithProject sets the project used when a reference carries no ?project= override.
func WithProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithLocalFile points at a KEY=VALUE file consulted when Secret Manager cannot be reached.
func WithLocalFile(path string) Option {
	return func(s *settings) { s.localFile = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithClient injects a Secret Manager client.
func WithClient(client accessClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithMeter overrides the global meter provider.
func WithMeter(meter metric.Meter) Option {
	return func(s *settings) { s.meter = meter }
}

// NewResolver builds a resolver. Missing credentials are not an error; the resolver then serves the
// local file only.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	s := settings{
		logger:    zap.NewNop(),
		localFile: defaultLocalFile,
		ttl:       defaultCacheTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}
	lookups, err := s.meter.Int64Counter("secrets.lookups", metric.WithDescription("Secret lookups by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register metric: %w", err)
	}

	r := &Resolver{
		client:    s.client,
		logger:    s.logger,
		project:   s.project,
		localFile: s.localFile,
		ttl:       s.ttl,
		now:       s.now,
		cache:     make(map[string]cached),
		lookups:   lookups,
	}
	if r.client == nil && r.project != "" {
		client, err := newSecretManagerClient(ctx, s.clientOpts...)
		if err != nil {
			r.logger.Warn("secret manager unavailable, using local secrets only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the Secret Manager client when the resolver created it.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret returns the value for ref, e.g. secret://stripe-api-key?version=3&project=other.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	parsed, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	entry, ok := r.cache[parsed.key()]
	r.mu.Unlock()
	if ok && r.now().Before(entry.expires) {
		r.count(ctx, "cache")
		return entry.value, nil
	}

	value, err, _ := r.group.Do(parsed.key(), func() (any, error) {
		return r.load(ctx, parsed)
	})
	if err != nil {
		return "", err
	}
	secret := value.(string)
	r.mu.Lock()
	r.cache[parsed.key()] = cached{value: secret, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return secret, nil
}

// Forget drops a cached value so the next lookup goes back to the source.
func (r *Resolver) Forget(ref string) {
	parsed, err := parseRef(ref)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.cache, parsed.key())
	r.mu.Unlock()
}

func (r *Resolver) load(ctx context.Context, ref secretRef) (string, error) {
	project := ref.project
	if project == "" {
		project = r.project
	}
	if r.client != nil && project != "" {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
		resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err == nil {
			r.count(ctx, "secret_manager")
			return string(resp.GetPayload().GetData()), nil
		}
		if !recoverable(err) {
			r.count(ctx, "error")
			if status.Code(err) == codes.NotFound {
				return "", fmt.Errorf("%w: %s", ErrNotFound, ref.name)
			}
			return "", fmt.Errorf("secrets: access %s: %w", ref.name, err)
		}
		r.logger.Debug("secret manager unreachable, trying local file", zap.String("secret", ref.name), zap.Error(err))
	}

	r.localOnce.Do(r.readLocal)
	if value, ok := r.local[ref.name+"@"+ref.version]; ok {
		r.count(ctx, "local")
		return value, nil
	}
	if value, ok := r.local[ref.name]; ok && ref.version == "latest" {
		r.count(ctx, "local")
		return value, nil
	}
	r.count(ctx, "error")
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref.name)
}

// readLocal loads lines of the form secret://name=value or name@version=value.
func (r *Resolver) readLocal() {
	r.local = map[string]string{}
	if r.localFile == "" {
		return
	}
	file, err := os.Open(r.localFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("read local secrets failed", zap.String("path", r.localFile), zap.Error(err))
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// The first '=' after the scheme separates key from value.
		name := strings.TrimPrefix(strings.TrimPrefix(line, "secret://"), "sm://")
		key, value, ok := strings.Cut(name, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		r.local[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

func (r *Resolver) count(ctx context.Context, source string) {
	r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

type secretRef struct {
	name    string
	version string
	project string
}

func (s secretRef) key() string {
	return s.project + "/" + s.name + "@" + s.version
}

func parseRef(ref string) (secretRef, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" && u.Scheme != "sm" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return secretRef{name: name, version: version, project: strings.TrimSpace(u.Query().Get("project"))}, nil
}

func recoverable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
