// Package selfchat is the secondary ingress adapter: it consumes an
// external watcher's event stream (the self-chat transport), applies
// the "Bo " trigger prefix and the cardinal not-from-system-itself
// rule, and de-duplicates aggressively since the watcher has no
// message-acking concept of its own.
package selfchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/boassistant/bo/internal/pipeline"
	"github.com/boassistant/bo/internal/storage"
)

// triggerPrefix is stripped before routing; messages lacking it (with
// at least one character following) are ignored outright.
const triggerPrefix = "Bo "

// pollTimeout bounds a single watcher poll.
const pollTimeout = 30 * time.Second

// backoffInit and backoffMax bound the retry delay after a poll error.
const backoffInit = 2 * time.Second
const backoffMax = 30 * time.Second

// dedupCapacity bounds each of the four de-duplication rings.
const dedupCapacity = 100

// Event is one inbound item from the watcher's event stream.
type Event struct {
	GUID       string
	Sender     string // canonical phone
	Text       string
	IsFromSelf bool // the cardinal rule: this is our own outbound message echoed back
	IsReaction bool
	InSelfChat bool // true if this arrived in the sender's own self-chat thread
}

// Watcher polls for the next self-chat event. A nil event with a nil
// error means "no event within the timeout"; callers should poll
// again.
type Watcher interface {
	Poll(ctx context.Context, timeout time.Duration) (*Event, error)
}

// UserLookup resolves a canonical phone to a known user, if any.
type UserLookup interface {
	GetUserByPhone(ctx context.Context, phone string) (*storage.User, error)
}

// Router runs an inbound message through the full pipeline.
type Router interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error)
}

// Sender delivers a pipeline result back to its owner.
type Sender interface {
	Deliver(ctx context.Context, user *storage.User, out pipeline.Output) error
}

// Adapter drives the watcher poll loop.
type Adapter struct {
	watcher Watcher
	lookup  UserLookup
	router  Router
	sender  Sender
	logger  *slog.Logger

	byGUID      *ring
	bySenderMsg *ring
	byBody      *ring
	byReply     *ring

	// outboundGUIDs remembers our own sent messages so the watcher
	// does not feed them back to us as new inbound events.
	outboundGUIDs *ring

	send sendFunc
}

// New constructs an Adapter.
func New(watcher Watcher, lookup UserLookup, router Router, sender Sender, logger *slog.Logger) *Adapter {
	return &Adapter{
		watcher:       watcher,
		lookup:        lookup,
		router:        router,
		sender:        sender,
		logger:        logger.With("component", "transport.selfchat"),
		byGUID:        newRing(dedupCapacity),
		bySenderMsg:   newRing(dedupCapacity),
		byBody:        newRing(dedupCapacity),
		byReply:       newRing(dedupCapacity),
		outboundGUIDs: newRing(dedupCapacity),
	}
}

// Run drives the poll loop until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	backoff := backoffInit
	for {
		if ctx.Err() != nil {
			return
		}

		ev, err := a.watcher.Poll(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("self-chat poll failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffInit

		if ev == nil {
			continue
		}
		a.handle(ctx, ev)
	}
}

func (a *Adapter) handle(ctx context.Context, ev *Event) {
	if ev.IsFromSelf || ev.IsReaction {
		return
	}
	if a.byGUID.seen(ev.GUID) {
		return
	}
	if a.outboundGUIDs.has(ev.GUID) {
		return
	}

	stripped, ok := stripTrigger(ev.Text)
	if !ok {
		return
	}

	senderMsgKey := ev.Sender + "|" + stripped
	if a.bySenderMsg.seen(senderMsgKey) || a.byBody.seen(stripped) {
		return
	}

	user, err := a.lookup.GetUserByPhone(ctx, ev.Sender)
	if errors.Is(err, storage.ErrNotFound) {
		a.logger.Debug("self-chat message from unknown phone", "sender", ev.Sender)
		return
	}
	if err != nil {
		a.logger.Error("lookup self-chat user", "sender", ev.Sender, "error", err)
		return
	}

	if !ev.InSelfChat && !user.IsAgentTrigger {
		a.logger.Debug("self-chat message outside self-chat from non-trigger sender", "sender", ev.Sender)
		return
	}

	in := pipeline.Input{
		RequestID:   "sc-" + ev.GUID,
		OwnerToken:  ev.Sender,
		UserMessage: stripped,
	}
	out, err := a.router.Run(ctx, in)
	if err != nil {
		a.logger.Error("run pipeline", "sender", ev.Sender, "error", err)
		return
	}

	if out.Reply != "" && a.byReply.seen(out.Reply) {
		return
	}
	if err := a.sender.Deliver(ctx, user, out); err != nil {
		a.logger.Error("deliver reply", "sender", ev.Sender, "error", err)
	}
}

func stripTrigger(text string) (string, bool) {
	if !strings.HasPrefix(text, triggerPrefix) {
		return "", false
	}
	rest := text[len(triggerPrefix):]
	if rest == "" {
		return "", false
	}
	return rest, true
}

// NoteOutboundGUID remembers a just-sent message's guid so a later
// watcher event echoing it back is dropped as self-originated.
func (a *Adapter) NoteOutboundGUID(guid string) {
	if guid == "" {
		return
	}
	a.outboundGUIDs.seen(guid)
}

// SendText implements transport.SelfChatSender. The concrete send
// mechanism lives behind the watcher's companion send capability,
// which callers provide via WithSend.
type sendFunc func(ctx context.Context, phone, text string) (guid string, err error)

// WithSend attaches the concrete outbound send implementation. Call
// once during construction before Run.
func (a *Adapter) WithSend(send sendFunc) *Adapter {
	a.send = send
	return a
}

func (a *Adapter) SendText(ctx context.Context, phone string, text string) error {
	if a.send == nil {
		return fmt.Errorf("self-chat adapter has no send function configured")
	}
	guid, err := a.send(ctx, phone, text)
	if err != nil {
		return fmt.Errorf("send self-chat message: %w", err)
	}
	a.NoteOutboundGUID(guid)
	return nil
}

type ring struct {
	mu       sync.Mutex
	order    []string
	present  map[string]bool
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{present: map[string]bool{}, capacity: capacity}
}

// seen records key as seen and reports whether it had already been
// seen before this call.
func (r *ring) seen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.present[key] {
		return true
	}
	r.present[key] = true
	r.order = append(r.order, key)
	if len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.present, oldest)
	}
	return false
}

// has reports whether key has been recorded, without marking it seen.
func (r *ring) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.present[key]
}
