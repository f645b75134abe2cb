package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/pusher/internal/backend"
	"github.com/cory-johannsen/pusher/internal/protocol"
)

// fakeListener records everything a room does to it.
type fakeListener struct {
	id   string
	tags map[string]bool

	mu            sync.Mutex
	roomID        string
	received      []*protocol.SubMessage
	endCalls      int
	endCode       int
	endReason     string
	disconnecting bool
	chatCloses    int
}

func newFakeListener(id string, tags ...string) *fakeListener {
	l := &fakeListener{id: id, tags: make(map[string]bool)}
	for _, t := range tags {
		l.tags[t] = true
	}
	return l
}

func (l *fakeListener) ID() string             { return l.id }
func (l *fakeListener) HasTag(tag string) bool { return l.tags[tag] }

func (l *fakeListener) EmitInBatch(sub *protocol.SubMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, sub)
}

func (l *fakeListener) SetDisconnecting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnecting = true
}

func (l *fakeListener) End(code int, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endCalls++
	l.endCode, l.endReason = code, reason
}

func (l *fakeListener) CloseChat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chatCloses++
}

func (l *fakeListener) RoomID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roomID
}

func (l *fakeListener) SetRoomID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roomID = id
}

func (l *fakeListener) messages() []*protocol.SubMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.SubMessage(nil), l.received...)
}

func (l *fakeListener) ended() (calls, code int, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endCalls, l.endCode, l.endReason
}

func (l *fakeListener) chatClosed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chatCloses
}

func (l *fakeListener) isDisconnecting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnecting
}

// resolverFunc adapts a function to backend.ClientResolver.
type resolverFunc func(ctx context.Context, roomID string) (backend.RoomServiceClient, error)

func (f resolverFunc) ClientForRoom(ctx context.Context, roomID string) (backend.RoomServiceClient, error) {
	return f(ctx, roomID)
}

var errNoBackend = errors.New("no backend")

func failingResolver() backend.ClientResolver {
	return resolverFunc(func(context.Context, string) (backend.RoomServiceClient, error) {
		return nil, errNoBackend
	})
}

// stallingResolver blocks its first lookup until the caller's context ends
// and closes entered when it starts blocking. Later lookups go to next.
func stallingResolver(next backend.ClientResolver) (backend.ClientResolver, <-chan struct{}) {
	entered := make(chan struct{})
	var once sync.Once
	return resolverFunc(func(ctx context.Context, roomID string) (backend.RoomServiceClient, error) {
		first := false
		once.Do(func() { first = true })
		if !first {
			return next.ClientForRoom(ctx, roomID)
		}
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}), entered
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// metricValue returns the value of the single series of name, or 0 when
// the series has not been created yet.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}
