package admin

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"
)

var (
	roomPathPattern = regexp.MustCompile(`/[_@*]/.+`)
	mapPathPattern  = regexp.MustCompile(`/_/[^/]+/(.+)`)
)

// LocalOptions configures a Local admin.
type LocalOptions struct {
	// StartRoomURL is the map path the root play URI redirects to.
	StartRoomURL string
	// DisableAnonymous marks every map as requiring authentication.
	DisableAnonymous bool
	// MucRooms are offered to every member after the derived rooms.
	MucRooms []MucRoom
	// Store enables reports and bans. Nil leaves them unconfigured.
	Store ModerationStore
}

// Local is the admin used when no admin backoffice is deployed. Members are
// identified by the uuid they present and maps are derived from the play URI.
type Local struct {
	opts   LocalOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewLocal creates a Local admin.
//
// Precondition: logger must be non-nil.
func NewLocal(opts LocalOptions, logger *zap.Logger) *Local {
	return &Local{opts: opts, logger: logger, now: time.Now}
}

// FetchMemberDataByUUID returns an untagged member whose email and uuid are
// userIdentifier. The member is offered a default room and a welcome forum
// under the play URI's room path, followed by the configured rooms.
func (a *Local) FetchMemberDataByUUID(_ context.Context, userIdentifier, playURI, _ string) (MemberData, error) {
	roomPath := roomPathPattern.FindString(playURI)
	rooms := make([]MucRoom, 0, 2+len(a.opts.MucRooms))
	rooms = append(rooms,
		MucRoom{Name: "Default Room", URL: roomPath, Type: RoomTypeDefault},
		MucRoom{Name: "Welcome", URL: roomPath + "/welcome", Type: RoomTypeForum},
	)
	rooms = append(rooms, a.opts.MucRooms...)
	return MemberData{
		Email:    userIdentifier,
		UserUUID: userIdentifier,
		Tags:     []string{},
		MucRooms: rooms,
	}, nil
}

// FetchMemberDataByToken always fails with ErrUnconfigured.
func (a *Local) FetchMemberDataByToken(context.Context, string, string) (MemberData, error) {
	return MemberData{}, ErrUnconfigured
}

// FetchMapDetails resolves a play URI of the form
// <scheme>://<host>/_/<instance>/<map> to <scheme>://<map>. The root path
// redirects to the start room.
//
// Postcondition: Returns ErrInvalidMapURL when the path names no map.
func (a *Local) FetchMapDetails(_ context.Context, playURI, _ string) (MapDetails, error) {
	u, err := url.Parse(playURI)
	if err != nil {
		return MapDetails{}, fmt.Errorf("parsing play URI %q: %w", playURI, err)
	}
	if u.Path == "" || u.Path == "/" {
		if a.opts.StartRoomURL == "" {
			return MapDetails{}, fmt.Errorf("%w: no start room configured for %q", ErrInvalidMapURL, playURI)
		}
		u.Path = a.opts.StartRoomURL
		return MapDetails{RedirectURL: u.String()}, nil
	}
	m := mapPathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return MapDetails{}, fmt.Errorf("%w: %q", ErrInvalidMapURL, playURI)
	}
	return MapDetails{
		MapURL:                  u.Scheme + "://" + m[1],
		AuthenticationMandatory: a.opts.DisableAnonymous,
	}, nil
}

// FetchLoginData always fails with ErrUnconfigured.
func (a *Local) FetchLoginData(context.Context, string, string) (LoginData, error) {
	return LoginData{}, ErrUnconfigured
}

// ReportPlayer records a report when a moderation store is configured.
func (a *Local) ReportPlayer(ctx context.Context, reportedUUID, comment, reporterUUID, roomURL string) error {
	if a.opts.Store == nil {
		return ErrUnconfigured
	}
	err := a.opts.Store.SaveReport(ctx, Report{
		ReportedUUID: reportedUUID,
		Comment:      comment,
		ReporterUUID: reporterUUID,
		RoomURL:      roomURL,
		CreatedAt:    a.now(),
	})
	if err != nil {
		return fmt.Errorf("saving report on %s: %w", reportedUUID, err)
	}
	a.logger.Info("player reported",
		zap.String("reported", reportedUUID),
		zap.String("reporter", reporterUUID),
		zap.String("room", roomURL),
	)
	return nil
}

// VerifyBanUser reports whether userUUID is banned from roomURL.
//
// Postcondition: Returns ErrUnconfigured when no moderation store is set.
func (a *Local) VerifyBanUser(ctx context.Context, userUUID, _, roomURL string) (BanStatus, error) {
	if a.opts.Store == nil {
		return BanStatus{}, ErrUnconfigured
	}
	ban, ok, err := a.opts.Store.ActiveBan(ctx, userUUID, roomURL)
	if err != nil {
		return BanStatus{}, fmt.Errorf("checking ban for %s: %w", userUUID, err)
	}
	if !ok {
		return BanStatus{}, nil
	}
	return BanStatus{IsBanned: true, Message: ban.Message}, nil
}

// GetURLRoomsFromSameWorld always fails with ErrUnconfigured.
func (a *Local) GetURLRoomsFromSameWorld(context.Context, string) ([]string, error) {
	return nil, ErrUnconfigured
}

// GetProfileURL has no profile page to offer.
func (a *Local) GetProfileURL(string, string) string {
	return ""
}

// LogoutOauth always fails with ErrUnconfigured.
func (a *Local) LogoutOauth(context.Context, string) error {
	return ErrUnconfigured
}

// BanUserByUUID bans uuidToBan from playURI when a moderation store is
// configured.
func (a *Local) BanUserByUUID(ctx context.Context, uuidToBan, playURI, name, message, byUserEmail string) (bool, error) {
	if a.opts.Store == nil {
		return false, ErrUnconfigured
	}
	err := a.opts.Store.SaveBan(ctx, Ban{
		UserUUID:  uuidToBan,
		RoomURL:   playURI,
		Name:      name,
		Message:   message,
		BannedBy:  byUserEmail,
		CreatedAt: a.now(),
	})
	if err != nil {
		return false, fmt.Errorf("banning %s: %w", uuidToBan, err)
	}
	a.logger.Warn("user banned",
		zap.String("user", uuidToBan),
		zap.String("room", playURI),
		zap.String("by", byUserEmail),
	)
	return true, nil
}

var _ Interface = (*Local)(nil)
