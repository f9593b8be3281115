package postgres

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

// NewTestContainer starts a disposable PostgreSQL container and returns its
// connection URL. The container is terminated on test cleanup.
func NewTestContainer(t Testing) string {
	ctx := t.Context()
	pgC, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "cqrs",
			"POSTGRES_PASSWORD": "cqrs",
			"POSTGRES_DB":       "cqrs",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://cqrs:cqrs@%s:%s/cqrs?sslmode=disable", host, port.Port())
	t.Logf("postgres url: %s", url)
	return url
}
