package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/metric/noop"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const stripeKeyLatest = "projects/shop/secrets/stripe-api-key/versions/latest"

func newTestResolver(t *testing.T, opts ...Option) *Resolver {
	t.Helper()
	base := []Option{WithProject("shop"), WithLocalFile(""), WithMeter(noop.NewMeterProvider().Meter("test"))}
	r, err := NewResolver(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func writeLocal(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write local secrets: %v", err)
	}
	return path
}

func TestResolveSecretCachesUntilExpiry(t *testing.T) {
	client := newStubClient()
	client.values[stripeKeyLatest] = "sk_test_1"
	now := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	r := newTestResolver(t, WithClient(client), WithCacheTTL(time.Minute), WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		got, err := r.ResolveSecret(context.Background(), "secret://stripe-api-key")
		if err != nil || got != "sk_test_1" {
			t.Fatalf("resolve: %q %v", got, err)
		}
	}
	if calls := client.calls(stripeKeyLatest); calls != 1 {
		t.Fatalf("expected one remote call, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := r.ResolveSecret(context.Background(), "secret://stripe-api-key"); err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if calls := client.calls(stripeKeyLatest); calls != 2 {
		t.Fatalf("expected refetch after expiry, got %d calls", calls)
	}
}

func TestResolveSecretVersionAndProjectOverride(t *testing.T) {
	client := newStubClient()
	client.values["projects/other/secrets/webhook-secret/versions/4"] = "whsec"
	r := newTestResolver(t, WithClient(client))

	got, err := r.ResolveSecret(context.Background(), "sm://webhook-secret?version=4&project=other")
	if err != nil || got != "whsec" {
		t.Fatalf("resolve: %q %v", got, err)
	}
}

func TestResolveSecretFallsBackToLocalFile(t *testing.T) {
	client := newStubClient()
	client.errors[stripeKeyLatest] = status.Error(codes.Unavailable, "down")
	client.errors["projects/shop/secrets/webhook-secret/versions/2"] = status.Error(codes.Unavailable, "down")
	path := writeLocal(t, "# local dev\nsecret://stripe-api-key=sk_local\nwebhook-secret@2=whsec_two\n")
	r := newTestResolver(t, WithClient(client), WithLocalFile(path))

	got, err := r.ResolveSecret(context.Background(), "secret://stripe-api-key")
	if err != nil || got != "sk_local" {
		t.Fatalf("resolve: %q %v", got, err)
	}
	got, err = r.ResolveSecret(context.Background(), "secret://webhook-secret?version=2")
	if err != nil || got != "whsec_two" {
		t.Fatalf("pinned local version: %q %v", got, err)
	}
}

func TestResolveSecretNotFoundDoesNotFallBack(t *testing.T) {
	client := newStubClient()
	path := writeLocal(t, "secret://stripe-api-key=sk_local\n")
	r := newTestResolver(t, WithClient(client), WithLocalFile(path))

	_, err := r.ResolveSecret(context.Background(), "secret://stripe-api-key")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveSecretRejectsBadReferences(t *testing.T) {
	r := newTestResolver(t, WithClient(newStubClient()))
	for _, ref := range []string{"", "https://example.com/x", "secret://"} {
		if _, err := r.ResolveSecret(context.Background(), ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
}

func TestForgetDropsCachedValue(t *testing.T) {
	client := newStubClient()
	client.values[stripeKeyLatest] = "sk_old"
	r := newTestResolver(t, WithClient(client))

	if _, err := r.ResolveSecret(context.Background(), "secret://stripe-api-key"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	client.set(stripeKeyLatest, "sk_new")
	r.Forget("secret://stripe-api-key")

	got, err := r.ResolveSecret(context.Background(), "secret://stripe-api-key")
	if err != nil || got != "sk_new" {
		t.Fatalf("expected rotated value, got %q %v", got, err)
	}
}

func TestNewResolverWithoutCredentialsUsesLocalFile(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	path := writeLocal(t, "secret://stripe-api-key=sk_local\n")
	r := newTestResolver(t, WithLocalFile(path))

	got, err := r.ResolveSecret(context.Background(), "secret://stripe-api-key")
	if err != nil || got != "sk_local" {
		t.Fatalf("resolve: %q %v", got, err)
	}
}

type stubClient struct {
	mu     sync.Mutex
	values map[string]string
	errors map[string]error
	count  map[string]int
}

func newStubClient() *stubClient {
	return &stubClient{values: map[string]string{}, errors: map[string]error{}, count: map[string]int{}}
}

func (s *stubClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count[req.GetName()]++
	if err := s.errors[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := s.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
}

func (s *stubClient) Close() error { return nil }

func (s *stubClient) set(name, value string) {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
}

func (s *stubClient) calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count[name]
}
