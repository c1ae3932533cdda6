package hearthsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Table names of the remote collections the sync core manages.
const (
	TableShopping          = "shopping"
	TableTasks             = "tasks"
	TableClifford          = "clifford"
	TableQuickAdd          = "quick_add"
	TableHouseholds        = "households"
	TableHouseholdMembers  = "household_members"
	TablePersonalTasks     = "personal_tasks"
	TableNotifications     = "notifications"
	TableNotificationPrefs = "notification_preferences"
)

// itemTables are the collections that share the Item row shape.
var itemTables = map[string]bool{
	TableShopping:      true,
	TableTasks:         true,
	TableClifford:      true,
	TableQuickAdd:      true,
	TablePersonalTasks: true,
	TableNotifications: true,
}

// tempIDPrefix marks client-fabricated identifiers of optimistic entities.
const tempIDPrefix = "temp_"

// NewTempID fabricates a provisional identifier for an optimistic entity.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id is a client-fabricated provisional identifier.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// optimisticMatchWindow is the creation-time proximity within which a server
// echo is considered the confirmation of a local optimistic entity.
const optimisticMatchWindow = 30 * time.Second

// Record is the loosely-typed row shape exchanged with the remote store.
// It is validated and converted to typed entities at the gateway boundary.
type Record map[string]any

// ID returns the record's server identifier, if present.
func (r Record) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Item is the common row shape of the list collections (shopping items,
// shared tasks, Clifford items, quick-add shortcuts, personal tasks and
// notifications). Type-specific fields are optional; zero values are omitted
// on the wire.
type Item struct {
	ID          string    `json:"id"`
	HouseholdID string    `json:"household_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Name        string    `json:"name"`
	Completed   bool      `json:"completed,omitempty"`
	Assignee    string    `json:"assignee,omitempty"`
	DueDate     string    `json:"due_date,omitempty"`
	Quantity    int       `json:"quantity,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Subtype     string    `json:"subtype,omitempty"`
	Read        bool      `json:"read,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`

	// Pending marks a local entity whose create has not been confirmed by
	// the server. Never sent on the wire.
	Pending bool `json:"-"`
}

// ScopeID returns the id that scopes the item: household for shared
// collections, user for personal ones.
func (it *Item) ScopeID() string {
	if it.HouseholdID != "" {
		return it.HouseholdID
	}
	return it.UserID
}

// User is the authenticated account record.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Household is the multi-user grouping that scopes shared data.
type Household struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	InviteCode string    `json:"invite_code"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Member roles within a household.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Member is a user's membership row in a household.
type Member struct {
	ID          string    `json:"id"`
	HouseholdID string    `json:"household_id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name,omitempty"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is the authentication session issued by the remote store.
type Session struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the session exists and has not expired.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != "" && time.Now().Before(s.ExpiresAt)
}

// parseTime accepts the timestamp encodings hosted backends emit: RFC3339
// strings, unix seconds (float64 via JSON), or time.Time from tests.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Time{}
}

func recString(r Record, key string) string {
	s, _ := r[key].(string)
	return s
}

func recBool(r Record, key string) bool {
	b, _ := r[key].(bool)
	return b
}

func recInt(r Record, key string) int {
	switch n := r[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// DecodeItem validates a remote record against the Item shape. A record must
// carry a server id and a name; everything else is optional.
func DecodeItem(rec Record) (*Item, error) {
	if rec == nil {
		return nil, fmt.Errorf("decode item: nil record")
	}
	id := rec.ID()
	if id == "" {
		return nil, fmt.Errorf("decode item: missing id")
	}
	name := recString(rec, "name")
	if name == "" {
		return nil, fmt.Errorf("decode item %s: missing name", id)
	}
	return &Item{
		ID:          id,
		HouseholdID: recString(rec, "household_id"),
		UserID:      recString(rec, "user_id"),
		Name:        name,
		Completed:   recBool(rec, "completed"),
		Assignee:    recString(rec, "assignee"),
		DueDate:     recString(rec, "due_date"),
		Quantity:    recInt(rec, "quantity"),
		Notes:       recString(rec, "notes"),
		Subtype:     recString(rec, "subtype"),
		Read:        recBool(rec, "read"),
		CreatedAt:   parseTime(rec["created_at"]),
		UpdatedAt:   parseTime(rec["updated_at"]),
	}, nil
}

// EncodeItem converts an item to the wire record shape. The provisional id
// and pending flag are never sent.
func EncodeItem(it *Item) Record {
	rec := Record{"name": it.Name}
	if !IsTempID(it.ID) && it.ID != "" {
		rec["id"] = it.ID
	}
	if it.HouseholdID != "" {
		rec["household_id"] = it.HouseholdID
	}
	if it.UserID != "" {
		rec["user_id"] = it.UserID
	}
	if it.Completed {
		rec["completed"] = true
	}
	if it.Assignee != "" {
		rec["assignee"] = it.Assignee
	}
	if it.DueDate != "" {
		rec["due_date"] = it.DueDate
	}
	if it.Quantity != 0 {
		rec["quantity"] = it.Quantity
	}
	if it.Notes != "" {
		rec["notes"] = it.Notes
	}
	if it.Subtype != "" {
		rec["subtype"] = it.Subtype
	}
	if !it.CreatedAt.IsZero() {
		rec["created_at"] = it.CreatedAt.Format(time.RFC3339Nano)
	}
	return rec
}

// DecodeHousehold validates a remote household record.
func DecodeHousehold(rec Record) (*Household, error) {
	if rec == nil || rec.ID() == "" {
		return nil, fmt.Errorf("decode household: missing id")
	}
	return &Household{
		ID:         rec.ID(),
		Name:       recString(rec, "name"),
		InviteCode: recString(rec, "invite_code"),
		CreatedAt:  parseTime(rec["created_at"]),
		UpdatedAt:  parseTime(rec["updated_at"]),
	}, nil
}

// DecodeMember validates a remote household-member record.
func DecodeMember(rec Record) (*Member, error) {
	if rec == nil || rec.ID() == "" {
		return nil, fmt.Errorf("decode member: missing id")
	}
	return &Member{
		ID:          rec.ID(),
		HouseholdID: recString(rec, "household_id"),
		UserID:      recString(rec, "user_id"),
		Name:        recString(rec, "name"),
		Role:        recString(rec, "role"),
		CreatedAt:   parseTime(rec["created_at"]),
	}, nil
}

// matchesOptimistic reports whether a server-confirmed item is the echo of a
// local optimistic entity: same scope, same name, created within the match
// window.
func matchesOptimistic(local, incoming *Item) bool {
	if !IsTempID(local.ID) {
		return false
	}
	if local.Name != incoming.Name {
		return false
	}
	if local.ScopeID() != incoming.ScopeID() {
		return false
	}
	d := incoming.CreatedAt.Sub(local.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= optimisticMatchWindow
}
