//go:build integration

// Package testutil starts throwaway backing services for integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/storefront/checkout-api/internal/platform/config"
)

const (
	firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	rabbitMQImage          = "rabbitmq:3.13-alpine"
)

// StartFirestoreEmulator launches the Firestore emulator and returns a config pointing at it.
// The container is terminated through t.Cleanup.
func StartFirestoreEmulator(t *testing.T, projectID string) config.FirestoreConfig {
	t.Helper()
	endpoint := start(t, testcontainers.ContainerRequest{
		Image:        firestoreEmulatorImage,
		ExposedPorts: []string{"8080/tcp"},
		Cmd:          []string{"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080"},
		WaitingFor:   wait.ForLog("Dev App Server is now running").WithStartupTimeout(2 * time.Minute),
	}, "8080")
	return config.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint}
}

// StartRabbitMQ launches a broker and returns its AMQP URL.
func StartRabbitMQ(t *testing.T) string {
	t.Helper()
	endpoint := start(t, testcontainers.ContainerRequest{
		Image:        rabbitMQImage,
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(90 * time.Second),
	}, "5672")
	return "amqp://guest:guest@" + endpoint + "/"
}

func start(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		_ = container.Terminate(stopCtx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return host + ":" + mapped.Port()
}
