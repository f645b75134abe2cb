package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/pusher/internal/admin"
	"github.com/cory-johannsen/pusher/internal/backend"
	"github.com/cory-johannsen/pusher/internal/chat"
	"github.com/cory-johannsen/pusher/internal/gateway"
	"github.com/cory-johannsen/pusher/internal/observability"
	"github.com/cory-johannsen/pusher/internal/protocol"
	"github.com/cory-johannsen/pusher/internal/stanza"
	"github.com/cory-johannsen/pusher/internal/testutil"
)

const (
	playURI = "http://play.test/_/global/maps.test/office.json"
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// stubAdmin overrides the token and ban paths of a Local admin.
type stubAdmin struct {
	*admin.Local
	tokenErr error
	banned   map[string]string
}

func (a *stubAdmin) FetchMemberDataByToken(ctx context.Context, token, playURI string) (admin.MemberData, error) {
	if a.tokenErr != nil {
		return admin.MemberData{}, a.tokenErr
	}
	return a.Local.FetchMemberDataByToken(ctx, token, playURI)
}

func (a *stubAdmin) VerifyBanUser(ctx context.Context, userUUID, ip, roomURL string) (admin.BanStatus, error) {
	if msg, ok := a.banned[userUUID]; ok {
		return admin.BanStatus{IsBanned: true, Message: msg}, nil
	}
	return a.Local.VerifyBanUser(ctx, userUUID, ip, roomURL)
}

type fixture struct {
	srv      *httptest.Server
	handler  *Handler
	hub      *testutil.BackendHub
	registry *gateway.Registry
	metrics  *observability.Metrics
	admin    *stubAdmin
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureResolving(t, nil)
}

// newFixtureResolving builds a fixture whose rooms resolve through resolver,
// or through the hub when resolver is nil.
func newFixtureResolving(t *testing.T, resolver backend.ClientResolver) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := testutil.NewBackendHub(t)
	metrics := observability.NewMetrics()
	if resolver == nil {
		resolver = hub.Repository
	}
	registry := gateway.NewRegistry(resolver, metrics, logger)
	adm := &stubAdmin{
		Local:  admin.NewLocal(admin.LocalOptions{StartRoomURL: "/_/global/maps.test/start.json"}, logger),
		banned: map[string]string{},
	}
	h := NewHandler(registry, adm, chat.NewLoopback(registry, logger), metrics, logger, Options{
		APIVersion:       "1",
		XMPPDomain:       "chat.test",
		ConferenceDomain: "conference.chat.test",
		FlushInterval:    5 * time.Millisecond,
	})
	srv := httptest.NewServer(NewMux(h))
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
		registry.Shutdown()
	})
	return &fixture{srv: srv, handler: h, hub: hub, registry: registry, metrics: metrics, admin: adm}
}

func (f *fixture) chatURL(params url.Values) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/chat?" + params.Encode()
}

func defaultParams(userUUID string) url.Values {
	return url.Values{"playUri": {playURI}, "uuid": {userUUID}, "version": {"1"}}
}

func (f *fixture) dial(t *testing.T, params url.Values) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.chatURL(params), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) dialStatus(t *testing.T, params url.Values) (int, string) {
	t.Helper()
	_, resp, err := websocket.DefaultDialer.Dial(f.chatURL(params), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

// readSub skips frames until a batch sub-message of the given case arrives.
func readSub(t *testing.T, conn *websocket.Conn, c protocol.Case) *protocol.SubMessage {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		batch, ok := env.Payload.(*protocol.Batch)
		if !ok {
			continue
		}
		for _, sub := range batch.Payload {
			if sub.Case() == c {
				return sub
			}
		}
	}
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			return ce
		}
	}
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeEnvelope(env)))
}

func TestHandler_SessionLifecycle(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, defaultParams("alice"))

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.CaseSettings, env.Case())
	settings := env.Payload.(*protocol.XmppSettings)
	assert.Equal(t, "alice@chat.test", settings.Jid)
	assert.Equal(t, "conference.chat.test", settings.ConferenceDomain)
	require.Len(t, settings.Rooms, 2)
	assert.Equal(t, "/_/global/maps.test/office.json", settings.Rooms[0].URL)

	env = readEnvelope(t, conn)
	require.Equal(t, protocol.CaseConnectionStatus, env.Case())
	assert.Equal(t, protocol.ConnectionStatusConnected, env.Payload.(*protocol.ConnectionStatusChange).Status)

	f.hub.WaitForSubscribers(playURI, 1)
	f.hub.Hub.Publish(playURI, &protocol.BackendEvent{Payload: &protocol.Variable{Name: "door", Value: "open"}})
	v := readSub(t, conn, protocol.CaseVariable).Payload.(*protocol.Variable)
	assert.Equal(t, "door", v.Name)
	assert.Equal(t, "open", v.Value)

	sendEnvelope(t, conn, &protocol.Envelope{Payload: &protocol.Ping{}})
	sendEnvelope(t, conn, &protocol.Envelope{Payload: &protocol.XmppMessage{
		Stanza: `<message type="groupchat"><body>hi all</body></message>`,
	}})
	msg := readSub(t, conn, protocol.CaseXmppMessage).Payload.(*protocol.XmppMessage)
	el, err := stanza.Parse(msg.Stanza)
	require.NoError(t, err)
	assert.Equal(t, "alice@chat.test", el.Attr("from"))
	assert.Equal(t, "hi all", el.ChildText("body"))

	assert.Equal(t, 1.0, gaugeValue(t, f.metrics, "pusher_sessions"))

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, waitFor, tick)
	f.hub.WaitForSubscribers(playURI, 0)
	require.Eventually(t, func() bool { return gaugeValue(t, f.metrics, "pusher_sessions") == 0 }, waitFor, tick)
}

func TestHandler_ChatReachesOtherMembers(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, defaultParams("alice"))
	bob := f.dial(t, defaultParams("bob"))
	f.hub.WaitForSubscribers(playURI, 1)
	require.Eventually(t, func() bool {
		room := f.registry.Room(playURI)
		if room == nil {
			return false
		}
		_, chatMembers := room.Len()
		return chatMembers == 2
	}, waitFor, tick)

	sendEnvelope(t, alice, &protocol.Envelope{Payload: &protocol.XmppMessage{Stanza: `<message><body>hello bob</body></message>`}})
	msg := readSub(t, bob, protocol.CaseXmppMessage).Payload.(*protocol.XmppMessage)
	assert.Contains(t, msg.Stanza, "hello bob")
	assert.Contains(t, msg.Stanza, `from="alice@chat.test"`)
}

func TestHandler_BackendFailureClosesClient(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, defaultParams("alice"))
	readEnvelope(t, conn)
	f.hub.WaitForSubscribers(playURI, 1)

	f.hub.Hub.FailRoom(playURI, "backend restarting")
	ce := readClose(t, conn)
	assert.Equal(t, gateway.CloseCodeBackend, ce.Code)
	assert.Equal(t, gateway.ReasonBackendError, ce.Text)
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, waitFor, tick)
}

func TestHandler_ShutdownGoesAway(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, defaultParams("alice"))
	readEnvelope(t, conn)

	go f.handler.Shutdown()
	ce := readClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, gateway.ReasonShuttingDown, ce.Text)

	require.Eventually(t, func() bool {
		c, resp, err := websocket.DefaultDialer.Dial(f.chatURL(defaultParams("bob")), nil)
		if err == nil {
			_ = c.Close()
			return false
		}
		if resp == nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusServiceUnavailable
	}, waitFor, tick)
}

// stalledResolver blocks every lookup until the caller gives up.
type stalledResolver struct {
	entered chan struct{}
	once    sync.Once
}

func (r *stalledResolver) ClientForRoom(ctx context.Context, _ string) (backend.RoomServiceClient, error) {
	r.once.Do(func() { close(r.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandler_ShutdownDuringJoinGoesAway(t *testing.T) {
	resolver := &stalledResolver{entered: make(chan struct{})}
	f := newFixtureResolving(t, resolver)
	conn := f.dial(t, defaultParams("alice"))
	readEnvelope(t, conn)

	select {
	case <-resolver.entered:
	case <-time.After(waitFor):
		t.Fatal("join never reached the backend")
	}
	go f.handler.Shutdown()

	ce := readClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, gateway.ReasonShuttingDown, ce.Text)
	assert.Zero(t, counterValue(t, f.metrics, "pusher_backend_failures_total", "unavailable"))
}

func TestHandler_UndecodableFramesAreDropped(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, defaultParams("alice"))
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.Eventually(t, func() bool {
		return counterValue(t, f.metrics, "pusher_dropped_frames_total", "decode") == 1 &&
			counterValue(t, f.metrics, "pusher_dropped_frames_total", "text") == 1
	}, waitFor, tick)

	f.hub.WaitForSubscribers(playURI, 1)
	f.hub.Hub.Publish(playURI, &protocol.BackendEvent{Payload: &protocol.EditMapCommand{ID: "cmd-1"}})
	assert.Equal(t, "cmd-1", readSub(t, conn, protocol.CaseEditMapCommand).Payload.(*protocol.EditMapCommand).ID)
}

func TestHandler_RejectsBadHandshakes(t *testing.T) {
	f := newFixture(t)
	f.admin.banned["mallory"] = "spamming"

	cases := []struct {
		name   string
		params url.Values
		status int
		body   string
	}{
		{"version mismatch", url.Values{"playUri": {playURI}, "uuid": {"a"}, "version": {"0"}}, http.StatusBadRequest, "version mismatch"},
		{"missing playUri", url.Values{"uuid": {"a"}, "version": {"1"}}, http.StatusBadRequest, "missing playUri"},
		{"missing uuid", url.Values{"playUri": {playURI}, "version": {"1"}}, http.StatusBadRequest, "missing uuid"},
		{"banned", defaultParams("mallory"), http.StatusForbidden, "spamming"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.dialStatus(t, tc.params)
			assert.Equal(t, tc.status, status)
			assert.Contains(t, body, tc.body)
		})
	}
	assert.Equal(t, 0, f.registry.Len())
}

func TestHandler_TokenFallsBackToUUID(t *testing.T) {
	f := newFixture(t)
	params := defaultParams("alice")
	params.Set("token", "opaque")
	conn := f.dial(t, params)
	env := readEnvelope(t, conn)
	assert.Equal(t, "alice@chat.test", env.Payload.(*protocol.XmppSettings).Jid)
}

func TestHandler_TokenRejected(t *testing.T) {
	f := newFixture(t)
	f.admin.tokenErr = errors.New("expired")
	params := defaultParams("alice")
	params.Set("token", "opaque")
	status, _ := f.dialStatus(t, params)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestMux_UpAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/up")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pusher_sessions 0")
}

func TestMux_MapDetails(t *testing.T) {
	f := newFixture(t)

	get := func(uri string) (*http.Response, mapResponse) {
		resp, err := http.Get(f.srv.URL + "/map?" + url.Values{"playUri": {uri}}.Encode())
		require.NoError(t, err)
		defer resp.Body.Close()
		var out mapResponse
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		}
		return resp, out
	}

	resp, details := get(playURI)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://maps.test/office.json", details.MapURL)

	resp, details = get("http://play.test/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://play.test/_/global/maps.test/start.json", details.RedirectURL)

	resp, _ = get("http://play.test/nowhere")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err := http.Get(f.srv.URL + "/map")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}

func gaugeValue(t *testing.T, m *observability.Metrics, name string) float64 {
	t.Helper()
	return seriesValue(t, m, name, "")
}

func counterValue(t *testing.T, m *observability.Metrics, name, reason string) float64 {
	t.Helper()
	return seriesValue(t, m, name, reason)
}

func seriesValue(t *testing.T, m *observability.Metrics, name, reason string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, s := range f.GetMetric() {
			matches := reason == ""
			for _, lp := range s.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					matches = true
				}
			}
			if !matches {
				continue
			}
			if s.GetGauge() != nil {
				return s.GetGauge().GetValue()
			}
			return s.GetCounter().GetValue()
		}
	}
	return 0
}
