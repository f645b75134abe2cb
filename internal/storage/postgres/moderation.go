package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/pusher/internal/admin"
)

// ErrBanNotFound is returned when lifting a ban that is not in force.
var ErrBanNotFound = errors.New("ban not found")

// ModerationRepository persists player reports and bans.
type ModerationRepository struct {
	db *pgxpool.Pool
}

// NewModerationRepository creates a ModerationRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewModerationRepository(db *pgxpool.Pool) *ModerationRepository {
	return &ModerationRepository{db: db}
}

// SaveReport inserts a player report. A zero CreatedAt uses the database clock.
//
// Precondition: r.ReportedUUID and r.ReporterUUID must be non-empty.
func (r *ModerationRepository) SaveReport(ctx context.Context, rep admin.Report) error {
	if rep.ReportedUUID == "" || rep.ReporterUUID == "" {
		return fmt.Errorf("saving report: reported and reporter uuids must be set")
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO player_reports (reported_uuid, reporter_uuid, room_url, comment, created_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`,
		rep.ReportedUUID, rep.ReporterUUID, rep.RoomURL, rep.Comment, nullTime(rep.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}
	return nil
}

// SaveBan inserts a ban.
//
// Precondition: b.UserUUID must be non-empty.
// Postcondition: ActiveBan reports the ban until LiftBan is called.
func (r *ModerationRepository) SaveBan(ctx context.Context, b admin.Ban) error {
	if b.UserUUID == "" {
		return fmt.Errorf("saving ban: user uuid must be set")
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_bans (user_uuid, room_url, name, message, banned_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		b.UserUUID, b.RoomURL, b.Name, b.Message, b.BannedBy, nullTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting ban: %w", err)
	}
	return nil
}

// ActiveBan returns the most recent ban in force for userUUID in roomURL.
//
// Postcondition: ok is false and err is nil when no ban applies.
func (r *ModerationRepository) ActiveBan(ctx context.Context, userUUID, roomURL string) (admin.Ban, bool, error) {
	var b admin.Ban
	err := r.db.QueryRow(ctx,
		`SELECT user_uuid, room_url, name, message, banned_by, created_at
		 FROM user_bans
		 WHERE user_uuid = $1 AND room_url = $2 AND lifted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userUUID, roomURL,
	).Scan(&b.UserUUID, &b.RoomURL, &b.Name, &b.Message, &b.BannedBy, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return admin.Ban{}, false, nil
	}
	if err != nil {
		return admin.Ban{}, false, fmt.Errorf("querying ban: %w", err)
	}
	return b, true, nil
}

// LiftBan ends every ban in force for userUUID in roomURL.
//
// Postcondition: Returns ErrBanNotFound if no ban was in force.
func (r *ModerationRepository) LiftBan(ctx context.Context, userUUID, roomURL string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_bans SET lifted_at = NOW()
		 WHERE user_uuid = $1 AND room_url = $2 AND lifted_at IS NULL`,
		userUUID, roomURL,
	)
	if err != nil {
		return fmt.Errorf("lifting ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBanNotFound
	}
	return nil
}

// ReportCount returns how many reports have been filed against reportedUUID.
func (r *ModerationRepository) ReportCount(ctx context.Context, reportedUUID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM player_reports WHERE reported_uuid = $1`,
		reportedUUID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting reports: %w", err)
	}
	return n, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ admin.ModerationStore = (*ModerationRepository)(nil)
