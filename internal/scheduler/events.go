package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/boassistant/bo/internal/storage"
)

// EventStore is the persistence subset the built-in events need beyond
// the core Store interface.
type EventStore interface {
	TodosForAssignee(ctx context.Context, familyID, assigneeID string) ([]storage.Todo, error)
	DueReminders(ctx context.Context, now time.Time) ([]storage.Reminder, error)
}

const (
	EventDailyStarter   = "daily_starter"
	EventFourHourNudge  = "four_hour_nudge"
	EventOverdueReminder = "overdue_reminder"
	EventDailyTodos     = "daily_todos"
)

// dailyStarterHour is the local hour the daily starter message fires.
const dailyStarterHour = 8

// overdueGrace is how long a one-off reminder must have been
// un-claimed past its fire time before it earns its own nudge.
const overdueGrace = 2 * time.Hour

// DefaultEvents returns the four additional scheduled events described
// alongside the reminder sweep: a daily starter, a periodic check-in
// nudge, an overdue-reminder alert, and a daily todo digest.
func DefaultEvents(store EventStore) []Event {
	return []Event{
		dailyStarterEvent(),
		fourHourNudgeEvent(),
		overdueReminderEvent(store),
		dailyTodosEvent(store),
	}
}

func dailyStarterEvent() Event {
	return Event{
		Name: EventDailyStarter,
		Due: func(ctx context.Context, now time.Time, user *storage.User, familyID string) (string, string, bool, error) {
			loc, err := userLocation(user)
			if err != nil {
				return "", "", false, err
			}
			local := now.In(loc)
			if local.Hour() < dailyStarterHour {
				return "", "", false, nil
			}
			return local.Format("2006-01-02"), "Good morning! Let me know if there's anything on your plate today.", true, nil
		},
	}
}

func fourHourNudgeEvent() Event {
	return Event{
		Name: EventFourHourNudge,
		Due: func(ctx context.Context, now time.Time, user *storage.User, familyID string) (string, string, bool, error) {
			loc, err := userLocation(user)
			if err != nil {
				return "", "", false, err
			}
			local := now.In(loc)
			slot := local.Hour() / 4
			bucket := fmt.Sprintf("%s-%d", local.Format("2006-01-02"), slot)
			return bucket, "Just checking in — anything you need a hand with?", true, nil
		},
	}
}

func overdueReminderEvent(store EventStore) Event {
	return Event{
		Name: EventOverdueReminder,
		Due: func(ctx context.Context, now time.Time, user *storage.User, familyID string) (string, string, bool, error) {
			due, err := store.DueReminders(ctx, now)
			if err != nil {
				return "", "", false, fmt.Errorf("list due reminders: %w", err)
			}
			var overdue []storage.Reminder
			for _, r := range due {
				if r.Kind != storage.ReminderOneOff || r.RecipientID != user.ID || r.FireAtUTC == nil {
					continue
				}
				if now.Sub(*r.FireAtUTC) >= overdueGrace {
					overdue = append(overdue, r)
				}
			}
			if len(overdue) == 0 {
				return "", "", false, nil
			}
			loc, err := userLocation(user)
			if err != nil {
				return "", "", false, err
			}
			texts := make([]string, len(overdue))
			for i, r := range overdue {
				texts[i] = r.Text
			}
			bucket := now.In(loc).Format("2006-01-02")
			message := "You have an overdue reminder still waiting: " + strings.Join(texts, "; ")
			return bucket, message, true, nil
		},
	}
}

func dailyTodosEvent(store EventStore) Event {
	return Event{
		Name: EventDailyTodos,
		Due: func(ctx context.Context, now time.Time, user *storage.User, familyID string) (string, string, bool, error) {
			loc, err := userLocation(user)
			if err != nil {
				return "", "", false, err
			}
			local := now.In(loc)
			if local.Hour() != dailyStarterHour {
				return "", "", false, nil
			}
			todos, err := store.TodosForAssignee(ctx, familyID, user.ID)
			if err != nil {
				return "", "", false, fmt.Errorf("list todos: %w", err)
			}
			var open []string
			for _, t := range todos {
				if !t.Done {
					open = append(open, t.Text)
				}
			}
			if len(open) == 0 {
				return "", "", false, nil
			}
			bucket := local.Format("2006-01-02")
			message := "Here's what's still open on your list: " + strings.Join(open, "; ")
			return bucket, message, true, nil
		},
	}
}

func userLocation(user *storage.User) (*time.Location, error) {
	if user.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", user.Timezone, err)
	}
	return loc, nil
}
