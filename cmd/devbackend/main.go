// Package main provides a development backend. It serves room streams over
// gRPC and publishes events typed on stdin, one command per line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/cory-johannsen/pusher/internal/backend"
	"github.com/cory-johannsen/pusher/internal/config"
	"github.com/cory-johannsen/pusher/internal/observability"
	"github.com/cory-johannsen/pusher/internal/server"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "gRPC listen address")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *level, Format: "console"}, "devbackend")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listening", zap.String("addr", *addr), zap.Error(err))
	}
	hub := backend.NewHub(logger)
	console := backend.NewConsole(hub)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("backend", &server.GRPCService{Server: backend.NewServer(hub), Listener: lis})
	// Stdin cannot be interrupted, so the console runs outside the lifecycle.
	go func() {
		fmt.Fprintln(os.Stderr, backend.Help)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			out, err := console.Exec(scanner.Text())
			switch {
			case err != nil:
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			case out != "":
				fmt.Fprintln(os.Stdout, out)
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("reading stdin", zap.Error(err))
		}
	}()

	logger.Info("dev backend listening", zap.String("addr", lis.Addr().String()))
	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
