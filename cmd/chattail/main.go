// Package main provides a terminal chat client. It connects to a gateway,
// prints the chat settings and every stanza received, and sends each stdin
// line as a stanza.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/pusher/internal/chatclient"
	"github.com/cory-johannsen/pusher/internal/config"
	"github.com/cory-johannsen/pusher/internal/observability"
	"github.com/cory-johannsen/pusher/internal/protocol"
	"github.com/cory-johannsen/pusher/internal/stanza"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080/", "gateway base URL")
	room := flag.String("room", "", "room URL to join (required)")
	token := flag.String("token", "", "authentication token")
	uuid := flag.String("uuid", "", "member uuid (random when empty)")
	version := flag.String("version", "1", "protocol version")
	policy := flag.String("batch-policy", "skip", "unknown batch entries: skip or abort")
	level := flag.String("log-level", "warn", "log level")
	configPath := flag.String("config", "", "gateway configuration to take defaults from")
	flag.Parse()

	if *room == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		set := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["url"] {
			*baseURL = "http://" + cfg.HTTP.Addr() + "/"
		}
		if !set["version"] {
			*version = cfg.Protocol.APIVersion
		}
		if !set["batch-policy"] {
			*policy = cfg.Protocol.BatchPolicy
		}
	}
	batchPolicy, err := protocol.ParseBatchPolicy(*policy)
	if err != nil {
		log.Fatalf("parsing batch policy: %v", err)
	}
	logger, err := observability.NewLogger(config.LoggingConfig{Level: *level, Format: "console"}, "chattail")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := chatclient.New(chatclient.Options{
		BaseURL:     *baseURL,
		Token:       *token,
		RoomURL:     *room,
		UUID:        *uuid,
		Version:     *version,
		BatchPolicy: batchPolicy,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("configuring connection: %v", err)
	}

	conn.Settings().Subscribe(func(s *protocol.XmppSettings) {
		fmt.Printf("* jid %s on %s\n", s.Jid, s.ConferenceDomain)
		for _, r := range s.Rooms {
			fmt.Printf("* room %q %s (%s)\n", r.Name, r.URL, r.Type)
		}
	})
	conn.ConnectionStatus().Subscribe(func(s protocol.ConnectionStatus) {
		fmt.Printf("* chat %s\n", s)
	})
	conn.Messages().Subscribe(func(el *stanza.Element) {
		if el.Is("message") {
			fmt.Printf("<%s> %s\n", el.Attr("from"), el.ChildText("body"))
			return
		}
		fmt.Println(el.String())
	})
	conn.ConnectionErrors().Subscribe(func(ev *chatclient.CloseEvent) {
		fmt.Fprintf(os.Stderr, "connection failed: %v\n", ev)
	})

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = conn.Connect(dialCtx)
	cancel()
	if err != nil {
		log.Fatalf("connecting: %v", err)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			// Lines that are not markup are sent as a groupchat message body.
			if !strings.HasPrefix(line, "<") {
				line = stanza.New("message").SetAttr("type", "groupchat").Append(stanza.New("body").T(line)).String()
			}
			if err := conn.SendStanza(line); err != nil {
				logger.Warn("sending stanza", zap.Error(err))
			}
		}
	}()

	select {
	case <-ctx.Done():
		if err := conn.Close(); err != nil {
			logger.Warn("closing connection", zap.Error(err))
		}
	case <-conn.Done():
	}
	if ev := conn.CloseEvent(); ev != nil {
		fmt.Fprintf(os.Stderr, "closed: %d %s\n", ev.Code, ev.Reason)
	}
}
