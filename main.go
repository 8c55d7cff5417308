// Package main is the dev relay: the signaling stand-in that the client core
// talks to during development and integration tests.
//
// Wire-up order:
//  1. Config
//  2. i18n bundles
//  3. Rate limiters and services
//  4. Relay hub
//  5. Handlers
//  6. HTTP routes
//  7. CORS
//  8. HTTP server
//  9. Graceful shutdown
//
// Nothing is global; everything is built here and passed down.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/akinalp/collab/config"
	"github.com/akinalp/collab/pkg/i18n"
	"github.com/akinalp/collab/ws"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] collab relay starting...")

	// ─── 1. Config ───
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] failed to load config: %v", err)
	}
	if cfg.JWT.Secret == "" {
		log.Fatal("[main] JWT_SECRET is required")
	}
	log.Printf("[main] config loaded (port=%d)", cfg.Server.Port)

	// ─── 2. i18n ───
	i18n.MustLoadEmbedded()

	// ─── 3. Services ───
	limiters := initRateLimiters(cfg)
	defer limiters.Stop()

	svcs := initServices(cfg)
	if cfg.LiveKit.APIKey == "" {
		log.Println("[main] LIVEKIT_API_KEY not set, call tokens are disabled")
	}

	// ─── 4. Relay Hub ───
	//
	// Run owns room membership; it exits and closes every client when
	// hubCtx is cancelled.
	hub := ws.NewHub(ws.HubOptions{
		ReplaySize:     cfg.Chat.ReplaySize,
		ReplayTTL:      cfg.Chat.ReplayTTL,
		MaxMessageSize: cfg.Chat.MaxMessageSize,
		Limiter:        limiters.Message,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	// ─── 5. Handlers ───
	h := initHandlers(svcs, limiters, hub)

	// ─── 6. HTTP Router ───
	mux := http.NewServeMux()
	initRoutes(mux, h, svcs.Tokens)

	// ─── 7. CORS ───
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
		},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept-Language"},
		AllowCredentials: true,
	})

	// ─── 8. HTTP Server ───
	//
	// No WriteTimeout: it would cut long-lived websocket connections.
	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     corsHandler.Handler(mux),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// ─── 9. Graceful Shutdown ───
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("[main] relay listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] server error: %v", err)
		}
	}()

	<-done
	log.Println("[main] shutting down...")

	// Close relay clients first so sessions see a clean close, then stop
	// accepting HTTP requests.
	stopHub()
	<-hubDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] forced shutdown: %v", err)
		return
	}

	log.Println("[main] relay stopped gracefully")
}
