package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a disposable Redis container and returns its
// address. The container is terminated on test cleanup.
func NewTestContainer(t Testing) string {
	ctx := t.Context()
	redisC, err := testcontainers.Run(
		ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	addr := fmt.Sprintf("%s:%s", host, port.Port())
	t.Logf("redis addr: %s", addr)
	return addr
}
