// Package admin defines the identity, map and moderation collaborator the
// gateway consults while accepting client connections.
package admin

import (
	"context"
	"errors"
	"time"
)

// ErrUnconfigured is returned by operations that need an admin backoffice
// when none is set.
var ErrUnconfigured = errors.New("no admin backoffice set")

// ErrInvalidMapURL is returned when a play URI does not name a map.
var ErrInvalidMapURL = errors.New("URL format is not good")

// MucRoom is a multi-user chat room offered to a member.
type MucRoom struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Type string `yaml:"type"`
}

// MemberData describes an authenticated or anonymous member.
type MemberData struct {
	Email         string
	UserUUID      string
	Tags          []string
	VisitCardURL  string
	UserRoomToken string
	MucRooms      []MucRoom
}

// MapDetails is the result of resolving a play URI. A non-empty RedirectURL
// means the client must reconnect there and the other fields are unset.
type MapDetails struct {
	MapURL                  string
	AuthenticationMandatory bool
	RedirectURL             string
}

// IsRedirect reports whether d asks the client to go elsewhere.
func (d MapDetails) IsRedirect() bool {
	return d.RedirectURL != ""
}

// LoginData points a client at its login flow.
type LoginData struct {
	LoginURL string
}

// BanStatus is the outcome of a ban check.
type BanStatus struct {
	IsBanned bool
	Message  string
}

// Report is a complaint filed by one member against another.
type Report struct {
	ReportedUUID string
	Comment      string
	ReporterUUID string
	RoomURL      string
	CreatedAt    time.Time
}

// Ban excludes a member from a room.
type Ban struct {
	UserUUID  string
	RoomURL   string
	Name      string
	Message   string
	BannedBy  string
	CreatedAt time.Time
}

// Interface is the admin contract used by the websocket handshake.
type Interface interface {
	FetchMemberDataByUUID(ctx context.Context, userIdentifier, playURI, ipAddress string) (MemberData, error)
	FetchMemberDataByToken(ctx context.Context, token, playURI string) (MemberData, error)
	FetchMapDetails(ctx context.Context, playURI, authToken string) (MapDetails, error)
	FetchLoginData(ctx context.Context, authToken, playURI string) (LoginData, error)
	ReportPlayer(ctx context.Context, reportedUUID, comment, reporterUUID, roomURL string) error
	VerifyBanUser(ctx context.Context, userUUID, ipAddress, roomURL string) (BanStatus, error)
	GetURLRoomsFromSameWorld(ctx context.Context, roomURL string) ([]string, error)
	GetProfileURL(accessToken, playURI string) string
	LogoutOauth(ctx context.Context, token string) error
	BanUserByUUID(ctx context.Context, uuidToBan, playURI, name, message, byUserEmail string) (bool, error)
}

// ModerationStore persists reports and bans.
type ModerationStore interface {
	SaveReport(ctx context.Context, r Report) error
	SaveBan(ctx context.Context, b Ban) error
	// ActiveBan returns the ban applying to userUUID in roomURL, if any.
	ActiveBan(ctx context.Context, userUUID, roomURL string) (Ban, bool, error)
}
