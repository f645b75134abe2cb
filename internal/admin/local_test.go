package admin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

type memStore struct {
	mu      sync.Mutex
	reports []Report
	bans    []Ban
	err     error
}

func (s *memStore) SaveReport(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *memStore) SaveBan(_ context.Context, b Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.bans = append(s.bans, b)
	return nil
}

func (s *memStore) ActiveBan(_ context.Context, userUUID, roomURL string) (Ban, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Ban{}, false, s.err
	}
	for _, b := range s.bans {
		if b.UserUUID == userUUID && b.RoomURL == roomURL {
			return b, true, nil
		}
	}
	return Ban{}, false, nil
}

func TestLocal_FetchMemberDataByUUID(t *testing.T) {
	extra := MucRoom{Name: "Lobby", URL: "/_/global/lobby", Type: RoomTypeForum}
	a := NewLocal(LocalOptions{MucRooms: []MucRoom{extra}}, zaptest.NewLogger(t))

	data, err := a.FetchMemberDataByUUID(context.Background(), "user-1", "https://play.example.org/_/global/maps.example.org/office.json", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", data.UserUUID)
	assert.Equal(t, "user-1", data.Email)
	assert.NotNil(t, data.Tags)
	assert.Empty(t, data.Tags)
	require.Len(t, data.MucRooms, 3)
	assert.Equal(t, MucRoom{Name: "Default Room", URL: "/_/global/maps.example.org/office.json", Type: RoomTypeDefault}, data.MucRooms[0])
	assert.Equal(t, MucRoom{Name: "Welcome", URL: "/_/global/maps.example.org/office.json/welcome", Type: RoomTypeForum}, data.MucRooms[1])
	assert.Equal(t, extra, data.MucRooms[2])
}

func TestLocal_FetchMemberDataByUUID_NoRoomPath(t *testing.T) {
	a := NewLocal(LocalOptions{}, zaptest.NewLogger(t))
	data, err := a.FetchMemberDataByUUID(context.Background(), "u", "https://play.example.org/", "")
	require.NoError(t, err)
	require.Len(t, data.MucRooms, 2)
	assert.Equal(t, "", data.MucRooms[0].URL)
	assert.Equal(t, "/welcome", data.MucRooms[1].URL)
}

func TestLocal_FetchMapDetails(t *testing.T) {
	a := NewLocal(LocalOptions{DisableAnonymous: true}, zaptest.NewLogger(t))
	details, err := a.FetchMapDetails(context.Background(), "https://play.example.org/_/global/maps.example.org/office.json", "")
	require.NoError(t, err)
	assert.False(t, details.IsRedirect())
	assert.Equal(t, "https://maps.example.org/office.json", details.MapURL)
	assert.True(t, details.AuthenticationMandatory)
}

func TestLocal_FetchMapDetails_RootRedirects(t *testing.T) {
	a := NewLocal(LocalOptions{StartRoomURL: "/_/global/maps.example.org/start.json"}, zaptest.NewLogger(t))
	for _, uri := range []string{"https://play.example.org/", "https://play.example.org"} {
		details, err := a.FetchMapDetails(context.Background(), uri, "")
		require.NoError(t, err)
		assert.True(t, details.IsRedirect())
		assert.Equal(t, "https://play.example.org/_/global/maps.example.org/start.json", details.RedirectURL)
	}
}

func TestLocal_FetchMapDetails_Invalid(t *testing.T) {
	a := NewLocal(LocalOptions{}, zaptest.NewLogger(t))
	for _, uri := range []string{
		"https://play.example.org/not-a-map",
		"https://play.example.org/_/global",
		"https://play.example.org/",
	} {
		_, err := a.FetchMapDetails(context.Background(), uri, "")
		assert.ErrorIs(t, err, ErrInvalidMapURL, uri)
	}
	_, err := a.FetchMapDetails(context.Background(), "://bad", "")
	assert.Error(t, err)
}

// Property: any /_/<instance>/<map> path resolves to <scheme>://<map>.
func TestPropertyFetchMapDetails(t *testing.T) {
	a := NewLocal(LocalOptions{}, zaptest.NewLogger(t))
	rapid.Check(t, func(rt *rapid.T) {
		scheme := rapid.SampledFrom([]string{"http", "https"}).Draw(rt, "scheme")
		instance := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(rt, "instance")
		mapPath := rapid.StringMatching(`[a-z0-9.]{1,16}(/[a-z0-9]{1,8}){0,3}\.json`).Draw(rt, "map")
		uri := scheme + "://play.example.org/_/" + instance + "/" + mapPath

		details, err := a.FetchMapDetails(context.Background(), uri, "")
		if err != nil {
			rt.Fatalf("FetchMapDetails(%q): %v", uri, err)
		}
		if want := scheme + "://" + mapPath; details.MapURL != want {
			rt.Fatalf("MapURL = %q, want %q", details.MapURL, want)
		}
	})
}

func TestLocal_UnconfiguredOperations(t *testing.T) {
	ctx := context.Background()
	a := NewLocal(LocalOptions{}, zaptest.NewLogger(t))

	_, err := a.FetchMemberDataByToken(ctx, "tok", "https://play.example.org/_/g/m.json")
	assert.ErrorIs(t, err, ErrUnconfigured)
	_, err = a.FetchLoginData(ctx, "tok", "")
	assert.ErrorIs(t, err, ErrUnconfigured)
	assert.ErrorIs(t, a.ReportPlayer(ctx, "bad", "spam", "good", "room"), ErrUnconfigured)
	_, err = a.VerifyBanUser(ctx, "u", "10.0.0.1", "room")
	assert.ErrorIs(t, err, ErrUnconfigured)
	_, err = a.GetURLRoomsFromSameWorld(ctx, "room")
	assert.ErrorIs(t, err, ErrUnconfigured)
	assert.ErrorIs(t, a.LogoutOauth(ctx, "tok"), ErrUnconfigured)
	ok, err := a.BanUserByUUID(ctx, "u", "room", "name", "bye", "mod@example.org")
	assert.ErrorIs(t, err, ErrUnconfigured)
	assert.False(t, ok)
	assert.Empty(t, a.GetProfileURL("tok", "room"))
}

func TestLocal_ModerationWithStore(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	a := NewLocal(LocalOptions{Store: store}, zaptest.NewLogger(t))

	status, err := a.VerifyBanUser(ctx, "u1", "10.0.0.1", "room/a")
	require.NoError(t, err)
	assert.False(t, status.IsBanned)

	require.NoError(t, a.ReportPlayer(ctx, "u1", "spam", "u2", "room/a"))
	require.Len(t, store.reports, 1)
	assert.Equal(t, "u2", store.reports[0].ReporterUUID)
	assert.False(t, store.reports[0].CreatedAt.IsZero())

	ok, err := a.BanUserByUUID(ctx, "u1", "room/a", "Spammer", "too much spam", "mod@example.org")
	require.NoError(t, err)
	assert.True(t, ok)

	status, err = a.VerifyBanUser(ctx, "u1", "10.0.0.1", "room/a")
	require.NoError(t, err)
	assert.Equal(t, BanStatus{IsBanned: true, Message: "too much spam"}, status)

	status, err = a.VerifyBanUser(ctx, "u1", "10.0.0.1", "room/b")
	require.NoError(t, err)
	assert.False(t, status.IsBanned)
}

func TestLocal_StoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")
	a := NewLocal(LocalOptions{Store: &memStore{err: boom}}, zaptest.NewLogger(t))

	assert.ErrorIs(t, a.ReportPlayer(ctx, "u1", "spam", "u2", "room"), boom)
	_, err := a.VerifyBanUser(ctx, "u1", "", "room")
	assert.ErrorIs(t, err, boom)
	_, err = a.BanUserByUUID(ctx, "u1", "room", "n", "m", "e")
	assert.ErrorIs(t, err, boom)
}

func TestLoadMucRoomsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rooms:
  - name: Lobby
    url: /_/global/lobby
    type: forum
  - name: Coffee
    url: /_/global/coffee
`), 0644))

	rooms, err := LoadMucRoomsFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []MucRoom{
		{Name: "Lobby", URL: "/_/global/lobby", Type: RoomTypeForum},
		{Name: "Coffee", URL: "/_/global/coffee", Type: RoomTypeDefault},
	}, rooms)
}

func TestLoadMucRoomsFromBytes_Invalid(t *testing.T) {
	cases := map[string]string{
		"malformed":    "rooms: [",
		"missing name": "rooms:\n  - url: /a\n",
		"missing url":  "rooms:\n  - name: A\n",
		"duplicate":    "rooms:\n  - name: A\n    url: /a\n  - name: B\n    url: /a\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadMucRoomsFromBytes([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMucRoomsFromFile_Missing(t *testing.T) {
	_, err := LoadMucRoomsFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
