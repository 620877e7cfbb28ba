// Package transport holds the outbound delivery logic shared by every
// adapter and by the scheduler: given a pipeline result and the user
// it belongs to, decide which channel carries it out.
package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/boassistant/bo/internal/pipeline"
	"github.com/boassistant/bo/internal/storage"
)

// TelegramSender sends plain text to a Telegram chat id.
type TelegramSender interface {
	SendText(ctx context.Context, chatID string, text string) error
}

// SelfChatSender sends plain text to a recipient's canonical phone via
// the self-chat transport.
type SelfChatSender interface {
	SendText(ctx context.Context, phone string, text string) error
}

// Outbox is the single place that decides how a pipeline.Output
// reaches its recipient. It implements scheduler.Sender and is also
// used by both ingress adapters after a pipeline.Run call.
type Outbox struct {
	telegram TelegramSender
	selfchat SelfChatSender
	logger   *slog.Logger
}

// New constructs an Outbox. Either sender may be nil if that channel
// is not configured; Deliver returns an error if it needs a sender it
// does not have.
func New(telegram TelegramSender, selfchat SelfChatSender, logger *slog.Logger) *Outbox {
	return &Outbox{telegram: telegram, selfchat: selfchat, logger: logger.With("component", "outbox")}
}

// SetSelfChat attaches the self-chat sender once it exists. The
// self-chat adapter itself takes the Outbox as its Sender, so the two
// are constructed in sequence and wired together after the fact.
func (o *Outbox) SetSelfChat(s SelfChatSender) {
	o.selfchat = s
}

// Deliver routes a pipeline result to its owner. A non-nil Dispatch
// acknowledges the sender (if ReplyToSender is set) and separately
// forwards SendBody to whichever of SendToTelegramID/SendToGroup/SendTo
// is populated, preferring sendToTelegramId per the adapter contract.
// A nil Dispatch just replies to the owning user on their own channel.
func (o *Outbox) Deliver(ctx context.Context, user *storage.User, out pipeline.Output) error {
	if out.Dispatch == nil {
		if out.Reply == "" {
			return nil
		}
		return o.replyToOwner(ctx, user, out.Reply)
	}

	d := out.Dispatch
	if d.ReplyToSender != "" {
		if err := o.replyToOwner(ctx, user, d.ReplyToSender); err != nil {
			return fmt.Errorf("acknowledge sender: %w", err)
		}
	}

	switch {
	case d.SendToTelegramID != "":
		if o.telegram == nil {
			return fmt.Errorf("dispatch to telegram id %s: no telegram sender configured", d.SendToTelegramID)
		}
		return o.telegram.SendText(ctx, d.SendToTelegramID, d.SendBody)
	case d.SendToGroup != "":
		if o.telegram == nil {
			return fmt.Errorf("dispatch to group %s: no telegram sender configured", d.SendToGroup)
		}
		return o.telegram.SendText(ctx, d.SendToGroup, d.SendBody)
	case d.SendTo != "":
		if o.selfchat == nil {
			return fmt.Errorf("dispatch to %s: no self-chat sender configured", d.SendTo)
		}
		return o.selfchat.SendText(ctx, d.SendTo, d.SendBody)
	default:
		o.logger.Warn("dispatch envelope has no recipient field set")
		return nil
	}
}

func (o *Outbox) replyToOwner(ctx context.Context, user *storage.User, text string) error {
	if text == "" {
		return nil
	}
	if user.TelegramID != "" {
		if o.telegram == nil {
			return fmt.Errorf("reply to telegram user %s: no telegram sender configured", user.TelegramID)
		}
		return o.telegram.SendText(ctx, user.TelegramID, text)
	}
	if o.selfchat == nil {
		return fmt.Errorf("reply to %s: no self-chat sender configured", user.CanonicalPhone)
	}
	return o.selfchat.SendText(ctx, user.CanonicalPhone, text)
}
