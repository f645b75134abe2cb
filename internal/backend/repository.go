package backend

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientResolver returns the backend client responsible for a room.
type ClientResolver interface {
	ClientForRoom(ctx context.Context, roomID string) (RoomServiceClient, error)
}

// Repository maps rooms onto a fixed set of backend addresses and keeps one
// lazily created connection per address. A room always maps to the same
// address for a given address list.
type Repository struct {
	addrs    []string
	dialOpts []grpc.DialOption
	logger   *zap.Logger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

// DefaultDialOptions returns insecure transport credentials and the
// OpenTelemetry client stats handler.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// NewRepository creates a Repository over addrs. opts are appended to
// DefaultDialOptions.
//
// Precondition: addrs must be non-empty; logger must be non-nil.
// Postcondition: Returns a Repository with no open connections, or an error.
func NewRepository(addrs []string, logger *zap.Logger, opts ...grpc.DialOption) (*Repository, error) {
	if len(addrs) == 0 {
		return nil, errors.New("backend repository needs at least one address")
	}
	return &Repository{
		addrs:    append([]string(nil), addrs...),
		dialOpts: append(DefaultDialOptions(), opts...),
		logger:   logger,
		conns:    make(map[string]*grpc.ClientConn),
	}, nil
}

// AddressForRoom returns the backend address serving roomID.
func (r *Repository) AddressForRoom(roomID string) string {
	return r.addrs[crc32.ChecksumIEEE([]byte(roomID))%uint32(len(r.addrs))]
}

// ClientForRoom returns a client connected to the backend serving roomID.
func (r *Repository) ClientForRoom(ctx context.Context, roomID string) (RoomServiceClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := r.AddressForRoom(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("backend repository closed")
	}
	conn, ok := r.conns[addr]
	if !ok {
		var err error
		conn, err = grpc.NewClient(addr, r.dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating backend client for %s: %w", addr, err)
		}
		r.conns[addr] = conn
		r.logger.Debug("backend client created", zap.String("addr", addr))
	}
	return NewRoomServiceClient(conn), nil
}

// Close closes every connection. Later ClientForRoom calls fail.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var errs []error
	for addr, conn := range r.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", addr, err))
		}
		delete(r.conns, addr)
	}
	return errors.Join(errs...)
}
