package nats

import (
	"context"

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

// NewTestContainer starts a disposable NATS container with JetStream enabled
// and returns a Connector for it. The container is terminated on test
// cleanup.
func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	natsC, err := testcontainers.Run(
		ctx, "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	host, err := natsC.Host(ctx)
	require.NoError(t, err)
	port, err := natsC.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)

	url := "nats://" + host + ":" + port.Port()
	t.Logf("nats url: %s", url)
	return ConnectURL(url)
}
