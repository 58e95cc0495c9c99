// Package natstest runs an in-process JetStream-enabled NATS server for tests.
package natstest

import (
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

// StartServer starts a server on a random port with JetStream in a temp dir and
// connects to it. Both are torn down when the test ends.
func StartServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		natsServer.Shutdown()
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsServer, natsConnection
}

// JetStream starts a server and returns a JetStream context bound to it.
func JetStream(t *testing.T) (*nats.Conn, nats.JetStreamContext) {
	t.Helper()

	_, natsConnection := StartServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		t.Fatalf("Failed to create JetStream context: %v", err)
	}

	return natsConnection, jetstreamContext
}
