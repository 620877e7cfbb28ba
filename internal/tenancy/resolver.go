// Package tenancy maps an inbound message's transport identifiers to a
// (family, user) tenancy pair and enforces isolation between families.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/boassistant/bo/internal/storage"
)

// ErrNoFamily is returned when tenancy cannot be resolved by any of the
// three rules: known group chat, last-active family, first membership.
var ErrNoFamily = errors.New("tenancy: no family could be resolved")

// Tenant identifies a resolved (family, user) pair.
type Tenant struct {
	FamilyID string
	UserID   string
}

// Store is the subset of the persistence layer the resolver depends on.
type Store interface {
	GroupChatFamily(ctx context.Context, chatID string) (string, error)
	GetUserByPhone(ctx context.Context, phone string) (*storage.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID string) (*storage.User, error)
	MembershipsForUser(ctx context.Context, userID string) ([]storage.Membership, error)
	SetLastActiveFamily(ctx context.Context, userID, familyID string) error
}

// Resolver implements the tenant resolution rules from the component
// design: a known group chat's family takes priority, then the
// principal's last_active_family, then their first membership by join
// order, else ErrNoFamily.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// New constructs a Resolver.
func New(store Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger.With("component", "tenancy")}
}

// ResolveUser looks up the user record by Telegram id when isTelegram is
// set, else by the owner token as a phone. Returns storage.ErrNotFound if
// unknown.
func (r *Resolver) ResolveUser(ctx context.Context, ownerToken string, isTelegram bool, telegramID string) (*storage.User, error) {
	if isTelegram {
		return r.store.GetUserByTelegramID(ctx, telegramID)
	}
	return r.store.GetUserByPhone(ctx, ownerToken)
}

// Resolve determines the (family, user) pair for an inbound message.
// transportChatID is checked against known group chats first; if that
// fails, the user's last_active_family is used, then their earliest
// membership. Resolve does not write last_active_family; RecordSuccess
// does that after a successful pipeline run.
func (r *Resolver) Resolve(ctx context.Context, transportChatID string, user *storage.User) (Tenant, error) {
	if transportChatID != "" {
		if familyID, err := r.store.GroupChatFamily(ctx, transportChatID); err == nil {
			return Tenant{FamilyID: familyID, UserID: user.ID}, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Tenant{}, fmt.Errorf("lookup group chat: %w", err)
		}
	}

	if user.LastActiveFamilyID != "" {
		return Tenant{FamilyID: user.LastActiveFamilyID, UserID: user.ID}, nil
	}

	memberships, err := r.store.MembershipsForUser(ctx, user.ID)
	if err != nil {
		return Tenant{}, fmt.Errorf("list memberships: %w", err)
	}
	if len(memberships) == 0 {
		return Tenant{}, ErrNoFamily
	}

	return Tenant{FamilyID: memberships[0].FamilyID, UserID: user.ID}, nil
}

// RecordSuccess updates the user's last_active_family pointer after a
// successful pipeline run, so future DMs disambiguate the same way.
func (r *Resolver) RecordSuccess(ctx context.Context, t Tenant) error {
	if err := r.store.SetLastActiveFamily(ctx, t.UserID, t.FamilyID); err != nil {
		return fmt.Errorf("set last active family: %w", err)
	}
	return nil
}
