// Package telegram is the Telegram ingress adapter: long-polling via
// gotgbot, per-chat reply spacing, and a per-minute count of messages
// from unknown senders.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"

	"github.com/boassistant/bo/internal/pipeline"
	"github.com/boassistant/bo/internal/storage"
)

// UnknownSenderPerMinute is how many messages per minute an
// unrecognized Telegram id may send before further ones are logged as
// over the limit. Messages from unrecognized ids are dropped without a
// reply whether or not they are over it.
const UnknownSenderPerMinute = 20

// ReplyRateLimitMs is the spacing waitForSpacing keeps between
// successive reply calls for the same chat: a call that comes sooner
// after the previous one sleeps out the difference.
const ReplyRateLimitMs = 3000

var metaCommands = map[string]bool{"start": true, "myid": true, "id": true}

// UserLookup resolves a Telegram id to a known user, if any.
type UserLookup interface {
	GetUserByTelegramID(ctx context.Context, telegramID string) (*storage.User, error)
}

// Router runs an inbound message through the full pipeline.
type Router interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error)
}

// Sender delivers a pipeline result back to its owner.
type Sender interface {
	Deliver(ctx context.Context, user *storage.User, out pipeline.Output) error
}

// Adapter wraps a polling gotgbot bot and dispatches text messages
// into the router.
type Adapter struct {
	bot      *tgbotapi.Bot
	updater  *ext.Updater
	lookup   UserLookup
	router   Router
	sender   Sender
	logger   *slog.Logger

	mu           sync.Mutex
	unknownHits  map[string][]time.Time
	lastReplyAt  map[string]time.Time
}

// New constructs an Adapter from a bot API token.
func New(token string, lookup UserLookup, router Router, sender Sender, logger *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBot(token, nil)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	a := &Adapter{
		bot:         bot,
		lookup:      lookup,
		router:      router,
		sender:      sender,
		logger:      logger.With("component", "transport.telegram"),
		unknownHits: map[string][]time.Time{},
		lastReplyAt: map[string]time.Time{},
	}

	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(b *tgbotapi.Bot, ctx *ext.Context, err error) ext.DispatcherAction {
			a.logger.Error("handling update", "error", err)
			return ext.DispatcherActionNoop
		},
		MaxRoutines: ext.DefaultMaxRoutines,
	})
	dispatcher.AddHandler(handlers.NewCommand("start", a.onMeta))
	dispatcher.AddHandler(handlers.NewCommand("myid", a.onMeta))
	dispatcher.AddHandler(handlers.NewCommand("id", a.onMeta))
	dispatcher.AddHandler(handlers.NewMessage(message.Text, a.onMessage))

	a.updater = ext.NewUpdater(dispatcher, nil)
	return a, nil
}

// Run starts long-polling and blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	err := a.updater.StartPolling(a.bot, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &tgbotapi.GetUpdatesOpts{
			Timeout: 9,
			RequestOpts: &tgbotapi.RequestOpts{
				Timeout: 10 * time.Second,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	defer a.updater.Stop()

	<-ctx.Done()
	return nil
}

func (a *Adapter) onMeta(b *tgbotapi.Bot, ctx *ext.Context) error {
	id := strconv.FormatInt(ctx.EffectiveSender.Id(), 10)
	_, err := b.SendMessage(ctx.EffectiveChat.Id, fmt.Sprintf("Your Telegram id is %s.", id), nil)
	return err
}

func (a *Adapter) onMessage(b *tgbotapi.Bot, c *ext.Context) error {
	if c.EffectiveMessage == nil || metaCommands[commandName(c.EffectiveMessage.Text)] {
		return nil
	}

	ctx := context.Background()
	telegramID := strconv.FormatInt(c.EffectiveSender.Id(), 10)
	chatID := strconv.FormatInt(c.EffectiveChat.Id, 10)

	user, err := a.lookup.GetUserByTelegramID(ctx, telegramID)
	if errors.Is(err, storage.ErrNotFound) {
		if a.tooManyUnknownHits(telegramID) {
			a.logger.Debug("dropping message from unknown sender over rate limit", "telegram_id", telegramID)
			return nil
		}
		a.logger.Debug("message from unrecognized telegram id", "telegram_id", telegramID)
		return nil
	}
	if err != nil {
		a.logger.Error("lookup telegram user", "telegram_id", telegramID, "error", err)
		return nil
	}

	in := pipeline.Input{
		RequestID:       "tg-" + chatID + "-" + strconv.FormatInt(int64(c.EffectiveMessage.MessageId), 10),
		OwnerToken:      "telegram:" + telegramID,
		IsTelegram:      true,
		TelegramID:      telegramID,
		TransportChatID: groupChatID(c),
		UserMessage:     c.EffectiveMessage.Text,
	}

	out, err := a.router.Run(ctx, in)
	if err != nil {
		a.logger.Error("run pipeline", "telegram_id", telegramID, "error", err)
		return nil
	}

	a.waitForSpacing(chatID)
	if err := a.sender.Deliver(ctx, user, out); err != nil {
		a.logger.Error("deliver reply", "telegram_id", telegramID, "error", err)
	}
	return nil
}

// groupChatID returns the transport chat id if the message came from a
// group/supergroup, or "" for a private DM.
func groupChatID(c *ext.Context) string {
	if c.EffectiveChat.Type == "group" || c.EffectiveChat.Type == "supergroup" {
		return strconv.FormatInt(c.EffectiveChat.Id, 10)
	}
	return ""
}

func commandName(text string) string {
	if len(text) < 2 || text[0] != '/' {
		return ""
	}
	name := text[1:]
	for i, r := range name {
		if r == ' ' || r == '@' {
			return name[:i]
		}
	}
	return name
}

func (a *Adapter) tooManyUnknownHits(telegramID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	hits := a.unknownHits[telegramID]
	kept := hits[:0]
	for _, h := range hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	kept = append(kept, now)
	a.unknownHits[telegramID] = kept
	return len(kept) > UnknownSenderPerMinute
}

func (a *Adapter) waitForSpacing(chatID string) {
	a.mu.Lock()
	last, ok := a.lastReplyAt[chatID]
	now := time.Now()
	a.lastReplyAt[chatID] = now
	a.mu.Unlock()

	if !ok {
		return
	}
	elapsed := now.Sub(last)
	min := time.Duration(ReplyRateLimitMs) * time.Millisecond
	if elapsed < min {
		time.Sleep(min - elapsed)
	}
}

// SendText implements transport.TelegramSender, used by the shared
// Outbox for both direct replies and dispatch forwarding.
func (a *Adapter) SendText(ctx context.Context, chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	_, err = a.bot.SendMessage(id, text, nil)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
