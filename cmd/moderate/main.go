// Package main provides a CLI tool for managing bans and reading reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/pusher/internal/admin"
	"github.com/cory-johannsen/pusher/internal/config"
	"github.com/cory-johannsen/pusher/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	action := flag.String("action", "", "action to perform: ban, unban, or reports (required)")
	userUUID := flag.String("uuid", "", "target member uuid (required)")
	roomURL := flag.String("room", "", "room URL the ban applies to (ban, unban)")
	name := flag.String("name", "", "display name of the banned member (ban)")
	message := flag.String("message", "", "message shown to the banned member (ban)")
	by := flag.String("by", "", "email of the moderator issuing the ban (ban)")
	flag.Parse()

	if *action == "" || *userUUID == "" {
		flag.Usage()
		os.Exit(1)
	}
	if (*action == "ban" || *action == "unban") && *roomURL == "" {
		log.Fatalf("-room is required for %s", *action)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewModerationRepository(pool.DB())

	switch *action {
	case "ban":
		err = repo.SaveBan(ctx, admin.Ban{
			UserUUID: *userUUID,
			RoomURL:  *roomURL,
			Name:     *name,
			Message:  *message,
			BannedBy: *by,
		})
		if err != nil {
			log.Fatalf("banning %s: %v", *userUUID, err)
		}
		fmt.Fprintf(os.Stdout, "banned %s from %s [%s]\n", *userUUID, *roomURL, time.Since(start))
	case "unban":
		if err := repo.LiftBan(ctx, *userUUID, *roomURL); err != nil {
			log.Fatalf("lifting ban on %s: %v", *userUUID, err)
		}
		fmt.Fprintf(os.Stdout, "lifted ban on %s in %s [%s]\n", *userUUID, *roomURL, time.Since(start))
	case "reports":
		n, err := repo.ReportCount(ctx, *userUUID)
		if err != nil {
			log.Fatalf("counting reports on %s: %v", *userUUID, err)
		}
		fmt.Fprintf(os.Stdout, "%s has %d reports [%s]\n", *userUUID, n, time.Since(start))
	default:
		log.Fatalf("invalid action %q: must be one of ban, unban, reports", *action)
	}
}
