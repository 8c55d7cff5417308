// Package main: service and rate limiter wire-up for the relay.
package main

import (
	"time"

	"github.com/akinalp/collab/config"
	"github.com/akinalp/collab/pkg/ratelimit"
	"github.com/akinalp/collab/services"
)

// devTokenAttempts per devTokenWindow, per client IP.
const (
	devTokenAttempts = 10
	devTokenWindow   = time.Minute
)

// Services holds the relay's service instances.
type Services struct {
	Tokens services.TokenService
}

// RateLimiters holds every limiter the relay runs.
type RateLimiters struct {
	DevToken *ratelimit.IPRateLimiter
	Message  *ratelimit.MessageRateLimiter
}

// Stop ends the limiters' cleanup goroutines.
func (l *RateLimiters) Stop() {
	l.DevToken.Stop()
	l.Message.Stop()
}

func initServices(cfg *config.Config) *Services {
	return &Services{
		Tokens: services.NewTokenService(cfg.JWT, cfg.LiveKit, nil),
	}
}

func initRateLimiters(cfg *config.Config) *RateLimiters {
	return &RateLimiters{
		DevToken: ratelimit.NewIPRateLimiter(devTokenAttempts, devTokenWindow),
		Message:  ratelimit.NewMessageRateLimiter(cfg.Chat.MaxMessages, cfg.Chat.Window, cfg.Chat.Cooldown),
	}
}
