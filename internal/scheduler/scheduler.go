// Package scheduler implements the periodic reminder and nudge sweep.
// Unlike a per-task timer scheduler, every tick re-queries the
// persistence layer for due work and claims it atomically, so the
// sweep is safe to run from multiple processes and never loses a
// reminder to a crash between schedule and fire.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/boassistant/bo/internal/pipeline"
	"github.com/boassistant/bo/internal/storage"
)

// DefaultTick is the sweep interval used when none is configured.
const DefaultTick = 30 * time.Second

const reminderPrefix = "[scheduled: reminder] "

// Store is the subset of the persistence layer the sweep depends on.
type Store interface {
	DueReminders(ctx context.Context, now time.Time) ([]storage.Reminder, error)
	ClaimOneOffReminder(ctx context.Context, reminderID string, now time.Time) (bool, error)
	AdvanceRecurringReminder(ctx context.Context, reminderID string, previousNextFire, newNextFire, firedAt time.Time) (bool, error)
	GetUserByID(ctx context.Context, id string) (*storage.User, error)
	AllUsers(ctx context.Context) ([]storage.User, error)
	MembershipsForUser(ctx context.Context, userID string) ([]storage.Membership, error)
	ScheduleEventFired(ctx context.Context, userID, familyID, event, bucket string) (bool, error)
	MarkScheduleEventFired(ctx context.Context, userID, familyID, event, bucket string) error
}

// CooldownChecker reports whether a family is currently rate-limit
// cooled down, without itself consuming a message or mutating state.
type CooldownChecker interface {
	InCooldown(ctx context.Context, familyID string, now time.Time) (bool, error)
}

// Router runs a synthetic message through the same pipeline a live
// transport message would go through.
type Router interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error)
}

// Sender delivers a pipeline result back to the user who owns it,
// through whichever transport adapter matches their identity. The
// scheduler has no opinion on which adapter that is.
type Sender interface {
	Deliver(ctx context.Context, user *storage.User, out pipeline.Output) error
}

// Event is one additional scheduled nudge beyond reminders (daily
// starter, 4-hour check-in, overdue reminder nudge, daily todo
// digest). Sweeper evaluates every event against every (user, family)
// pair it knows about; Due decides both applicability and dedup.
type Event struct {
	Name string
	// Due reports whether the event should fire for this user/family
	// right now. bucket is the dedup key passed to schedule_state
	// (a date for daily events, a date plus a time-slot for more
	// frequent ones); ok false means the event does not apply.
	Due func(ctx context.Context, now time.Time, user *storage.User, familyID string) (bucket, message string, ok bool, err error)
}

// Sweeper runs the periodic tick: query due reminders, route each as
// a synthetic message attributed to its recipient, then advance or
// stamp its persistence row; also evaluates registered Events.
type Sweeper struct {
	store    Store
	cooldown CooldownChecker
	router   Router
	sender   Sender
	events   []Event
	logger   *slog.Logger
	tick     time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Sweeper. tick <= 0 uses DefaultTick.
func New(store Store, cooldown CooldownChecker, router Router, sender Sender, events []Event, logger *slog.Logger, tick time.Duration) *Sweeper {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Sweeper{
		store:    store,
		cooldown: cooldown,
		router:   router,
		sender:   sender,
		events:   events,
		logger:   logger.With("component", "scheduler"),
		tick:     tick,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Debug("scheduler starting", "tick", s.tick)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case now := <-ticker.C:
				s.Tick(ctx, now)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight tick to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Tick runs one sweep pass: due reminders, then every registered
// additional event. Errors on individual items are logged and
// skipped; one failure never aborts the rest of the tick.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		s.logger.Error("list due reminders", "error", err)
	} else {
		for _, r := range due {
			if err := s.fireReminder(ctx, r, now); err != nil {
				s.logger.Error("fire reminder", "reminder_id", r.ID, "error", err)
			}
		}
	}

	for _, ev := range s.events {
		if err := s.runEvent(ctx, ev, now); err != nil {
			s.logger.Error("run scheduled event", "event", ev.Name, "error", err)
		}
	}
}

func (s *Sweeper) fireReminder(ctx context.Context, r storage.Reminder, now time.Time) error {
	user, err := s.store.GetUserByID(ctx, r.RecipientID)
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}

	cooled, err := s.cooldown.InCooldown(ctx, r.FamilyID, now)
	if err != nil {
		return fmt.Errorf("check cooldown: %w", err)
	}

	if !cooled {
		out, err := s.router.Run(ctx, pipeline.Input{
			RequestID:   "sched-reminder-" + r.ID,
			OwnerToken:  ownerToken(user),
			IsTelegram:  user.CanonicalPhone == "" && user.TelegramID != "",
			TelegramID:  user.TelegramID,
			UserMessage: reminderPrefix + r.Text,
		})
		if err != nil {
			return fmt.Errorf("route reminder: %w", err)
		}
		if err := s.sender.Deliver(ctx, user, out); err != nil {
			s.logger.Error("deliver reminder reply", "reminder_id", r.ID, "error", err)
		}
	} else {
		s.logger.Debug("reminder suppressed by cooldown", "reminder_id", r.ID, "family_id", r.FamilyID)
	}

	return s.advance(ctx, r, now)
}

func ownerToken(user *storage.User) string {
	if user.CanonicalPhone != "" {
		return user.CanonicalPhone
	}
	return "telegram:" + user.TelegramID
}

// advance stamps a fired one_off reminder done, or advances a
// recurring reminder's next_fire_at_utc by its parsed recurrence,
// regardless of whether the cooldown suppressed delivery.
func (s *Sweeper) advance(ctx context.Context, r storage.Reminder, now time.Time) error {
	switch r.Kind {
	case storage.ReminderOneOff:
		claimed, err := s.store.ClaimOneOffReminder(ctx, r.ID, now)
		if err != nil {
			return fmt.Errorf("claim one-off reminder: %w", err)
		}
		if !claimed {
			s.logger.Debug("reminder already claimed by another sweep", "reminder_id", r.ID)
		}
		return nil
	case storage.ReminderRecurring:
		if r.NextFireAtUTC == nil {
			return fmt.Errorf("recurring reminder %s missing next_fire_at_utc", r.ID)
		}
		next, err := parseRecurrence(r.Recurrence, *r.NextFireAtUTC)
		if err != nil {
			return fmt.Errorf("parse recurrence %q: %w", r.Recurrence, err)
		}
		advanced, err := s.store.AdvanceRecurringReminder(ctx, r.ID, *r.NextFireAtUTC, next, now)
		if err != nil {
			return fmt.Errorf("advance recurring reminder: %w", err)
		}
		if !advanced {
			s.logger.Debug("recurring reminder already advanced by another sweep", "reminder_id", r.ID)
		}
		return nil
	default:
		return fmt.Errorf("unknown reminder kind %q", r.Kind)
	}
}

// runEvent evaluates ev against every (user, family) pair. A missed
// tick cannot double-fire: Due's bucket is checked against
// schedule_state before routing, and marked immediately after,
// whether or not cooldown suppressed the actual delivery.
func (s *Sweeper) runEvent(ctx context.Context, ev Event, now time.Time) error {
	users, err := s.store.AllUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	for _, user := range users {
		memberships, err := s.store.MembershipsForUser(ctx, user.ID)
		if err != nil {
			s.logger.Error("list memberships", "user_id", user.ID, "error", err)
			continue
		}
		for _, m := range memberships {
			if err := s.runEventForMember(ctx, ev, now, &user, m.FamilyID); err != nil {
				s.logger.Error("run event for member", "event", ev.Name, "user_id", user.ID, "family_id", m.FamilyID, "error", err)
			}
		}
	}
	return nil
}

func (s *Sweeper) runEventForMember(ctx context.Context, ev Event, now time.Time, user *storage.User, familyID string) error {
	bucket, message, ok, err := ev.Due(ctx, now, user, familyID)
	if err != nil {
		return fmt.Errorf("evaluate due: %w", err)
	}
	if !ok {
		return nil
	}

	already, err := s.store.ScheduleEventFired(ctx, user.ID, familyID, ev.Name, bucket)
	if err != nil {
		return fmt.Errorf("check schedule state: %w", err)
	}
	if already {
		return nil
	}

	cooled, err := s.cooldown.InCooldown(ctx, familyID, now)
	if err != nil {
		return fmt.Errorf("check cooldown: %w", err)
	}
	if !cooled {
		out, err := s.router.Run(ctx, pipeline.Input{
			RequestID:   fmt.Sprintf("sched-%s-%s-%s", ev.Name, user.ID, bucket),
			OwnerToken:  ownerToken(user),
			IsTelegram:  user.CanonicalPhone == "" && user.TelegramID != "",
			TelegramID:  user.TelegramID,
			UserMessage: reminderPrefix + message,
		})
		if err != nil {
			return fmt.Errorf("route event: %w", err)
		}
		if err := s.sender.Deliver(ctx, user, out); err != nil {
			s.logger.Error("deliver event reply", "event", ev.Name, "user_id", user.ID, "error", err)
		}
	} else {
		s.logger.Debug("event suppressed by cooldown", "event", ev.Name, "user_id", user.ID, "family_id", familyID)
	}

	if err := s.store.MarkScheduleEventFired(ctx, user.ID, familyID, ev.Name, bucket); err != nil {
		return fmt.Errorf("mark schedule state: %w", err)
	}
	return nil
}
