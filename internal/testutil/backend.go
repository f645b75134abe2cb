package testutil

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cory-johannsen/pusher/internal/backend"
)

// BackendHub is an in-process backend reachable over an in-memory listener.
type BackendHub struct {
	Hub        *backend.Hub
	Repository *backend.Repository
	t          *testing.T
}

// NewBackendHub serves a backend.Hub over bufconn and returns a Repository
// whose every room resolves to it.
//
// Postcondition: The server and repository are shut down when the test ends.
func NewBackendHub(t *testing.T) *BackendHub {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	hub := backend.NewHub(zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel)))
	srv := backend.NewServer(hub, grpc.WaitForHandlers(true))
	go func() {
		_ = srv.Serve(lis)
	}()

	repo, err := backend.NewRepository(
		[]string{"passthrough:///bufnet"},
		zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel)),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("creating backend repository: %v", err)
	}

	t.Cleanup(func() {
		_ = repo.Close()
		srv.Stop()
	})
	return &BackendHub{Hub: hub, Repository: repo, t: t}
}

// WaitForSubscribers waits up to five seconds for roomID to have n streams.
func (b *BackendHub) WaitForSubscribers(roomID string, n int) {
	b.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Hub.WaitForSubscribers(ctx, roomID, n); err != nil {
		b.t.Fatalf("waiting for %d subscribers on %q: got %d: %v", n, roomID, b.Hub.Subscribers(roomID), err)
	}
}
