package storage

import "time"

// Family is a tenancy boundary. All child entities carry FamilyID.
type Family struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role is a membership's role within a family.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
)

// User is a human principal, possibly a member of several families.
type User struct {
	ID                 string
	DisplayName        string
	FirstName          string
	CanonicalPhone     string // "" if unset
	TelegramID         string // "" if unset
	Timezone           string
	IsAdmin            bool
	IsAgentTrigger     bool
	LastActiveFamilyID string // "" if unset
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Membership is the associative entity between a User and a Family.
type Membership struct {
	UserID   string
	FamilyID string
	Role     Role
	JoinedAt time.Time
}

// FactScope controls whether a fact is private to a user or shared
// across the family.
type FactScope string

const (
	ScopeUser   FactScope = "user"
	ScopeGlobal FactScope = "global"
)

// Fact is a persistent attribute about a user, stated or inferred.
type Fact struct {
	ID        string
	UserID    string
	FamilyID  string
	Key       string
	Value     string
	Scope     FactScope
	Tags      []string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationMessage is one entry in a per-tenant bounded append-only
// log.
type ConversationMessage struct {
	ID        string
	UserID    string
	FamilyID  string
	Seq       int64
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}

// ReminderKind distinguishes one-off from recurring reminders.
type ReminderKind string

const (
	ReminderOneOff    ReminderKind = "one_off"
	ReminderRecurring ReminderKind = "recurring"
)

// Reminder is a time-based nudge, owned by a recipient, manageable by
// either the creator or the recipient.
type Reminder struct {
	ID             string
	FamilyID       string
	CreatorID      string
	RecipientID    string
	Text           string
	Kind           ReminderKind
	FireAtUTC      *time.Time // one_off
	Recurrence     string     // recurring, free text e.g. "daily 08:30"
	NextFireAtUTC  *time.Time // recurring
	SentAt         *time.Time // one_off completion stamp
	LastFiredAt    *time.Time // recurring
	CreatedAt      time.Time
}

// Todo is a per-assignee list item; creator and assignee may differ.
type Todo struct {
	ID         string
	FamilyID   string
	AssigneeID string
	CreatorID  string
	Text       string
	DueAt      *time.Time
	Done       bool
	CreatedAt  time.Time
}

// Skill is a registered capability definition.
type Skill struct {
	ID          string
	Name        string
	Description string
	Entrypoint  string
	InputSchema string // advisory JSON
}

// ModerationAction records what happened to a moderated message.
type ModerationAction string

const (
	ActionBlocked  ModerationAction = "blocked"
	ActionReplaced ModerationAction = "replaced"
	ActionFlagged  ModerationAction = "flagged"
)

// ModerationFlag records a red-flag or post-output moderation event.
type ModerationFlag struct {
	ID                  string
	UserID              string
	FamilyID            string
	Message             string
	OriginalResponse    string
	ReplacementResponse string
	Flags               []string
	Severity            string
	Action              ModerationAction
	Reviewed            bool
	CreatedAt           time.Time
}

// RateLimitEvent records a single "not allowed" decision.
type RateLimitEvent struct {
	ID            string
	FamilyID      string
	UserID        string // "" if not attributable
	MessageCount  int
	WindowStart   time.Time
	WindowEnd     time.Time
	CooldownUntil *time.Time
	CooldownLevel int
	CreatedAt     time.Time
}

// LLMAuditEntry records one LLM call.
type LLMAuditEntry struct {
	RequestID    string
	UserID       string
	FamilyID     string
	Owner        string
	Step         string
	RequestDoc   string
	ResponseText string
	CreatedAt    time.Time
}

// GroupChat allows routing messages into group destinations by name.
type GroupChat struct {
	ChatID   string
	Name     string
	Type     string
	FamilyID string
}
