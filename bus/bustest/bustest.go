// Package bustest runs an embedded NATS server for integration tests, in
// the mold of broker test harnesses: tests exercise real transport rather
// than mocks.
package bustest

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/hoverfleet/hoverfleet/bus"
)

// NewServer starts an in-process NATS server on an ephemeral port and
// registers its shutdown with the test's cleanup.
func NewServer(t *testing.T) *server.Server {
	t.Helper()

	var srv, err = server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // ephemeral
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go srv.Start()
	require.True(t, srv.ReadyForConnections(10*time.Second), "embedded NATS server did not start")
	t.Cleanup(srv.Shutdown)

	return srv
}

// Dial connects a bus.Conn to the embedded server and registers its close
// with the test's cleanup.
func Dial(t *testing.T, srv *server.Server) *bus.Conn {
	t.Helper()

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var conn, err = bus.Dial(ctx, srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	return conn
}
