// Package mongodriver runs aggjin pipelines with the official MongoDB Go
// driver and discovers collection schemas by sampling documents.
package mongodriver

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultConnectTimeout = 10 * time.Second

// Connect opens a client for uri and waits until the server answers a
// ping.
func Connect(c context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: connect: %w", err)
	}

	c1, cancel := context.WithTimeout(c, timeout)
	defer cancel()

	if err := client.Ping(c1, nil); err != nil {
		client.Disconnect(c) //nolint:errcheck
		return nil, fmt.Errorf("mongodriver: ping: %w", err)
	}
	return client, nil
}
