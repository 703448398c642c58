// Package bot gates inbound messages and turns them into menu replies.
package bot

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wa-gateway/menu"
	"wa-gateway/metrics"
	"wa-gateway/session"
)

// Sender delivers a reply through a session. The supervisor satisfies it.
type Sender interface {
	SendText(ctx context.Context, sessionID, to, text string) error
}

// Bot processes inbound personal messages: it filters noise, applies the
// per-session settings gate, resolves the menu reply and sends it.
type Bot struct {
	resolver *menu.Resolver
	settings *SettingsStore
	limiter  *RateLimiter
	pool     *WorkerPool
	sender   Sender
	cooldown time.Duration
	log      zerolog.Logger
}

func New(resolver *menu.Resolver, settings *SettingsStore, limiter *RateLimiter, pool *WorkerPool, sender Sender, cooldown time.Duration, log zerolog.Logger) *Bot {
	return &Bot{
		resolver: resolver,
		settings: settings,
		limiter:  limiter,
		pool:     pool,
		sender:   sender,
		cooldown: cooldown,
		log:      log.With().Str("component", "bot").Logger(),
	}
}

// Handle is the supervisor's message callback. Work moves onto the pool so
// the event loop never blocks on a fetch.
func (b *Bot) Handle(ctx context.Context, s *session.Session, ev session.Event) {
	b.pool.Submit(func() {
		b.process(ctx, s, ev)
	})
}

func (b *Bot) process(ctx context.Context, s *session.Session, ev session.Event) {
	cfg := b.settings.Get(s.ID)
	defer func() {
		if r := recover(); r != nil {
			metrics.MessagesFailed.Inc()
			b.log.Error().Str("session", s.ID).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("message handler panicked")
			b.reply(ctx, s.ID, ev.Contact, cfg.Apology)
		}
	}()

	if s.Deleted() || ev.FromSelf || ev.IsGroup {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	if !b.limiter.Allow(ev.Contact) {
		b.log.Debug().Str("session", s.ID).Str("contact", ev.Contact).Msg("contact rate limited")
		return
	}
	if !cfg.Enabled {
		return
	}
	if !s.TryReply(b.cooldown) {
		return
	}

	metrics.MessagesProcessed.Inc()
	lower := strings.ToLower(text)
	var reply string
	switch {
	case isGreeting(lower):
		reply = cfg.Greeting
	case isGoodbye(lower):
		reply = cfg.Goodbye
	default:
		reply = b.resolver.Resolve(ctx, text, s)
	}
	b.reply(ctx, s.ID, ev.Contact, reply)
}

func (b *Bot) reply(ctx context.Context, sessionID, to, text string) {
	if to == "" || text == "" {
		return
	}
	if err := b.sender.SendText(ctx, sessionID, to, text); err != nil {
		metrics.MessagesFailed.Inc()
		b.log.Error().Err(err).Str("session", sessionID).Str("contact", to).Msg("reply send failed")
	}
}

var greetings = []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"}

var goodbyes = []string{"bye", "goodbye", "thanks", "thank you"}

func isGreeting(text string) bool { return matchesAny(text, greetings) }

func isGoodbye(text string) bool { return matchesAny(text, goodbyes) }

func matchesAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if text == p {
			return true
		}
	}
	return false
}
