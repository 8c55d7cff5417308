// Command collab is a terminal chat client built on the collaboration core.
//
// It opens one channel through the relay, hydrates the local message cache,
// prints the log as it changes and sends every line typed on stdin.
//
//	collab -project acme -channel general -user alice
//
// Commands: /retry re-sends failed messages, /quit exits. Input is refused
// while the channel is not connected.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/akinalp/collab/config"
	"github.com/akinalp/collab/database"
	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/pkg/i18n"
	"github.com/akinalp/collab/pkg/ratelimit"
	"github.com/akinalp/collab/repository"
	"github.com/akinalp/collab/services"
	"github.com/akinalp/collab/ws"
)

func main() {
	project := flag.String("project", "default", "project id")
	channel := flag.String("channel", "general", "channel id")
	user := flag.String("user", "", "user id for a dev token (ignored when TRANSPORT_TOKEN is set)")
	name := flag.String("name", "", "display name for a dev token")
	lang := flag.String("lang", "", "banner language (en, ko, tr)")
	flag.Parse()

	log.SetFlags(log.Ltime)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] failed to load config: %v", err)
	}
	if *lang != "" {
		cfg.Locale.Lang = *lang
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *project, *channel, *user, *name, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, projectID, channelID, userID, displayName string, in io.Reader, out io.Writer) error {
	i18n.MustLoadEmbedded()
	localizer := i18n.NewLocalizer(cfg.Locale.Lang)

	// ─── Access token ───
	token := cfg.Transport.Token
	if token == "" {
		if userID == "" {
			return errors.New("either TRANSPORT_TOKEN or -user is required")
		}
		fetched, err := fetchDevToken(ctx, &http.Client{Timeout: 10 * time.Second}, cfg.Transport.URL,
			models.DevTokenRequest{UserID: userID, DisplayName: displayName})
		if err != nil {
			return fmt.Errorf("failed to get dev token: %w", err)
		}
		token = fetched
	}
	identity, err := identityFromToken(token)
	if err != nil {
		return err
	}

	// ─── Local cache ───
	var cache repository.MessageCache
	if cfg.Cache.Path != "" {
		db, err := database.Open(cfg.Cache.Path)
		if err != nil {
			return fmt.Errorf("failed to open message cache: %w", err)
		}
		defer db.Close()
		cache = repository.NewSQLiteMessageCache(db.Conn)

		// Only the hydrated tail is ever read back.
		defer func() {
			pruneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			key := models.ConnectionKey{ProjectID: projectID, ChannelID: channelID}
			if err := cache.Prune(pruneCtx, key, cfg.Cache.HydrateLimit); err != nil {
				log.Printf("[chat] failed to prune cache: %v", err)
			}
		}()
	}

	// ─── Sessions ───
	transport := ws.NewWebsocketTransport(cfg.Transport.URL, ws.StaticToken(token), 2*cfg.Transport.HeartbeatInterval)
	manager := ws.NewSessionManager(transport, ws.OptionsFromConfig(cfg.Transport))
	defer manager.CloseAll()

	limiter := ratelimit.NewMessageRateLimiter(cfg.Chat.MaxMessages, cfg.Chat.Window, cfg.Chat.Cooldown)
	defer limiter.Stop()

	chat, err := services.OpenChatChannel(manager, projectID, channelID, services.ChatChannelOptions{
		Identity:       identity,
		Cache:          cache,
		HydrateLimit:   cfg.Cache.HydrateLimit,
		Limiter:        limiter,
		MaxMessageSize: cfg.Chat.MaxMessageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer chat.Close()

	presence := services.NewPresenceSupervisor(localizer)
	if session := manager.Get(models.ConnectionKey{ProjectID: projectID, ChannelID: channelID}); session != nil {
		defer presence.Track(session)()
	}

	// ─── Rendering ───
	p := newPrinter(out, localizer)
	defer chat.Subscribe(p.render)()
	defer presence.Subscribe(func(models.PresenceStatus) { p.banner(presence.Banner()) })()

	if cache != nil {
		if err := chat.Hydrate(ctx); err != nil {
			log.Printf("[chat] hydrate failed: %v", err)
		}
	}
	p.render(chat.View())

	fmt.Fprintf(out, "%s @ %s/%s\n", identity.DisplayName, projectID, channelID)

	// ─── Input loop ───
	c := &client{
		chat:      chat,
		presence:  presence,
		limiter:   limiter,
		identity:  identity,
		localizer: localizer,
		printer:   p,
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

// client is the input side of a running channel.
type client struct {
	chat      services.ChatChannel
	presence  services.PresenceSupervisor
	limiter   *ratelimit.MessageRateLimiter
	identity  models.Identity
	localizer *i18n.Localizer
	printer   *printer
}

// handleLine runs one line of input and reports whether the user asked to quit.
// Input other than /quit is refused while the channel is not connected.
func (c *client) handleLine(ctx context.Context, line string) bool {
	cmd := strings.TrimSpace(line)
	switch {
	case cmd == "":
		return false
	case cmd == "/quit":
		return true
	case !c.presence.CanSend():
		c.printer.notice(c.localizer.T("chat.input_disabled"))
		return false
	case cmd == "/retry":
		for _, msg := range c.chat.GetMessages() {
			if msg.Status != models.MessageStatusFailed {
				continue
			}
			if err := c.chat.RetrySend(ctx, msg.ID); err != nil {
				c.printer.notice(sendErrorText(err, c.limiter, c.identity, c.localizer))
			}
		}
		return false
	}

	if _, err := c.chat.SendMessage(ctx, models.MessageDraft{Body: line}); err != nil {
		c.printer.notice(sendErrorText(err, c.limiter, c.identity, c.localizer))
	}
	return false
}

func sendErrorText(err error, limiter *ratelimit.MessageRateLimiter, identity models.Identity, localizer *i18n.Localizer) string {
	switch {
	case errors.Is(err, pkg.ErrRateLimited):
		return localizer.TWithParams("chat.rate_limited", map[string]string{
			"seconds": strconv.Itoa(limiter.CooldownSeconds(identity.UserID)),
		})
	case errors.Is(err, pkg.ErrNotConnected):
		return localizer.T("chat.input_disabled")
	case errors.Is(err, pkg.ErrBadRequest):
		return err.Error()
	default:
		return localizer.T("chat.send_failed")
	}
}
