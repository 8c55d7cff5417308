package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg/i18n"
)

// printer writes log changes as lines. A message is printed when it first
// appears and again only if it fails or recovers from a failure.
type printer struct {
	out       io.Writer
	localizer *i18n.Localizer

	mu         sync.Mutex
	seen       map[string]models.MessageStatus
	lastBanner string
}

func newPrinter(out io.Writer, localizer *i18n.Localizer) *printer {
	return &printer{
		out:       out,
		localizer: localizer,
		seen:      make(map[string]models.MessageStatus),
	}
}

func (p *printer) render(view models.ChatView) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range view.Messages {
		prev, ok := p.seen[msg.ID]
		if !ok && msg.ClientID != "" {
			// Our pending entry, now confirmed under the server id.
			if prev, ok = p.seen[msg.ClientID]; ok {
				delete(p.seen, msg.ClientID)
			}
		}
		p.seen[msg.ID] = msg.Status

		if ok && (prev == msg.Status || (prev == models.MessageStatusPending && msg.Status == models.MessageStatusConfirmed)) {
			continue
		}
		fmt.Fprintln(p.out, p.formatLocked(msg))
	}
}

func (p *printer) formatLocked(msg models.Message) string {
	line := fmt.Sprintf("[%s] %s: %s", msg.SentAt.Local().Format("15:04:05"), msg.AuthorDisplayName, msg.Body)
	switch msg.Status {
	case models.MessageStatusPending:
		return line + " …"
	case models.MessageStatusFailed:
		return line + " ! " + p.localizer.T("chat.send_failed")
	default:
		return line
	}
}

// banner prints the presence banner when it changes. An empty banner means
// the connection is back.
func (p *printer) banner(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if text == p.lastBanner {
		return
	}
	p.lastBanner = text
	if text == "" {
		fmt.Fprintln(p.out, "*")
		return
	}
	fmt.Fprintln(p.out, "* "+text)
}

func (p *printer) notice(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, "! "+text)
}
