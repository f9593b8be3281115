// Package nats provides a cqrs.Backend on NATS JetStream. Events are
// published to one subject per stream inside a shared JetStream stream;
// snapshots live in a JetStream key-value bucket.
package nats

import (
	"os"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector creates the underlying NATS connection.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

func ConnectURL(natsURL string) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			natsgo.MaxReconnects(3),
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, falling back to the local default.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
