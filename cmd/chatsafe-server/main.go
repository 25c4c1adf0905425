// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command chatsafe-server is the HTTP surface in front of a Gateway: it
// owns nothing of the gateway's own state, only request decoding,
// response encoding, and process lifetime (spec.md §6).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/everettbu/chatsafe"
	"github.com/everettbu/chatsafe/internal"
)

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	programLevel := &slog.LevelVar{}
	internal.InitLog(programLevel)
	go func() {
		<-ctx.Done()
		slog.Info("main", "message", "quitting")
	}()

	configPath := flag.String("config", "", "Server configuration YAML file. If empty, the embedded default is used.")
	listen := flag.String("listen", "", "Override the loopback address:port to listen on (config's listen if empty).")
	model := flag.String("model", "", "Catalog model id to bring up (config's default if empty).")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	version := flag.Bool("version", false, "Print version then exit")
	flag.Parse()
	if len(flag.Args()) != 0 {
		return errors.New("unexpected argument")
	}
	if *version {
		fmt.Printf("chatsafe-server %s\n", internal.Commit())
		return nil
	}
	if *verbose {
		programLevel.Set(slog.LevelDebug)
	}

	cfg, err := chatsafe.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *model != "" {
		cfg.Model = *model
	}
	if err := requireLoopback(cfg.Listen); err != nil {
		return err
	}

	gw, err := chatsafe.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", cfg.Listen, err)
	}

	srv := &http.Server{Handler: newServer(gw).mux()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	slog.Info("main", "message", "listening", "addr", cfg.Listen, "model", gw.Active.ID)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requireLoopback refuses to bind any interface but loopback (spec.md §6,
// §1 "the service binds to the loopback interface only").
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("refusing to bind non-loopback address %q", addr)
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "chatsafe-server: %v\n", err.Error())
		os.Exit(1)
	}
}
