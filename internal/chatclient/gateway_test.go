package chatclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/pusher/internal/admin"
	"github.com/cory-johannsen/pusher/internal/chat"
	"github.com/cory-johannsen/pusher/internal/gateway"
	"github.com/cory-johannsen/pusher/internal/gateway/wsapi"
	"github.com/cory-johannsen/pusher/internal/protocol"
	"github.com/cory-johannsen/pusher/internal/stanza"
	"github.com/cory-johannsen/pusher/internal/testutil"
)

// TestConn_AgainstGateway drives two clients through the real /chat endpoint
// with the loopback chat server.
func TestConn_AgainstGateway(t *testing.T) {
	logger := zaptest.NewLogger(t)
	hub := testutil.NewBackendHub(t)
	registry := gateway.NewRegistry(hub.Repository, nil, logger)
	h := wsapi.NewHandler(registry, admin.NewLocal(admin.LocalOptions{}, logger), chat.NewLoopback(registry, logger), nil, logger, wsapi.Options{
		APIVersion:       "1",
		XMPPDomain:       "chat.test",
		ConferenceDomain: "conference.chat.test",
		FlushInterval:    5 * time.Millisecond,
	})
	srv := httptest.NewServer(wsapi.NewMux(h))
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
		registry.Shutdown()
	})

	open := func(userUUID string) (*Conn, *collector[*stanza.Element], *collector[protocol.ConnectionStatus]) {
		c, err := New(Options{
			BaseURL: srv.URL,
			RoomURL: "http://play.test/_/global/maps.test/office.json",
			UUID:    userUUID,
			Version: "1",
			Logger:  logger,
		})
		require.NoError(t, err)
		msgs := &collector[*stanza.Element]{}
		statuses := &collector[protocol.ConnectionStatus]{}
		c.Messages().Subscribe(msgs.add)
		c.ConnectionStatus().Subscribe(statuses.add)
		require.NoError(t, c.Connect(context.Background()))
		t.Cleanup(func() { _ = c.Close() })
		return c, msgs, statuses
	}

	alice, _, aliceStatus := open("alice")
	bob, bobMsgs, bobStatus := open("bob")

	for _, c := range []*Conn{alice, bob} {
		require.Eventually(t, func() bool { _, ok := c.Settings().Value(); return ok }, waitFor, tick)
	}
	settings, _ := alice.Settings().Value()
	assert.Equal(t, "alice@chat.test", settings.Jid)
	require.Eventually(t, func() bool { return aliceStatus.len() == 1 && bobStatus.len() == 1 }, waitFor, tick)
	assert.Equal(t, protocol.ConnectionStatusConnected, bobStatus.snapshot()[0])

	msg := stanza.New("message", "type", "groupchat")
	msg.C("body").T("hello bob")
	require.NoError(t, alice.Send(msg))

	require.Eventually(t, func() bool { return bobMsgs.len() == 1 }, waitFor, tick)
	got := bobMsgs.snapshot()[0]
	assert.Equal(t, "alice@chat.test", got.Attr("from"))
	assert.Equal(t, "hello bob", got.ChildText("body"))

	require.NoError(t, alice.Close())
	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return registry.Len() == 0 }, waitFor, tick)
}
