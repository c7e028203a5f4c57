// Package testutil holds small test fixtures shared across battleshipd's
// unit and integration test suites, modeled on the teacher's own
// internal/testutil helpers.
package testutil

import (
	"net"
	"testing"
)

// PipeConn returns a connected in-memory net.Conn pair via net.Pipe,
// closed automatically at test cleanup. The package-level tests that drive
// conn.Endpoint or match.Match without a real socket build their pipes
// with net.Pipe directly rather than through this helper.
func PipeConn(t testing.TB) (client, server net.Conn) {
	t.Helper()

	server, client = net.Pipe()

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return client, server
}

// ListenTCP opens a TCP listener on an ephemeral port, returning it and
// its "host:port" address. Closed automatically at test cleanup.
func ListenTCP(t testing.TB) (net.Listener, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create TCP listener: %v", err)
	}

	t.Cleanup(func() {
		_ = listener.Close()
	})

	return listener, listener.Addr().String()
}
