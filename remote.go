package hearthsync

import (
	"context"
	"sync"
	"time"
)

// ChangeType is the kind of row-change event pushed by the remote store.
type ChangeType int

const (
	// ChangeInsert is a new row.
	ChangeInsert ChangeType = iota
	// ChangeUpdate is a modified row.
	ChangeUpdate
	// ChangeDelete is a removed row.
	ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent is a server-pushed row change on a watched table.
type ChangeEvent struct {
	Type   ChangeType `json:"type"`
	Table  string     `json:"table"`
	Record Record     `json:"record,omitempty"`
	OldID  string     `json:"old_id,omitempty"`
}

// FeedStatusKind classifies transport status callbacks on a subscription.
type FeedStatusKind int

const (
	// FeedSubscribed confirms the subscription is live.
	FeedSubscribed FeedStatusKind = iota
	// FeedHeartbeat is a periodic transport liveness signal.
	FeedHeartbeat
	// FeedError reports a transport failure; the subscription is dead.
	FeedError
)

// FeedStatus is a transport status callback on a subscription.
type FeedStatus struct {
	Kind FeedStatusKind
	Err  error
}

// SubscribeRequest describes one table subscription. ChannelID must be a
// fresh identity on every subscribe; reusing a channel name after a network
// blip can silently wedge some transports.
type SubscribeRequest struct {
	Table       string
	HouseholdID string
	UserID      string
	ChannelID   string
}

// FeedSubscription is an active row-change subscription.
type FeedSubscription struct {
	ChannelID string
	Table     string

	events  chan ChangeEvent
	status  chan FeedStatus
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	created time.Time
}

// NewFeedSubscription creates a subscription with buffered delivery channels.
// Transports push into it via Deliver and DeliverStatus.
func NewFeedSubscription(req SubscribeRequest, buffer int) *FeedSubscription {
	if buffer <= 0 {
		buffer = 64
	}
	return &FeedSubscription{
		ChannelID: req.ChannelID,
		Table:     req.Table,
		events:    make(chan ChangeEvent, buffer),
		status:    make(chan FeedStatus, 8),
		done:      make(chan struct{}),
		created:   time.Now(),
	}
}

// Events returns the channel of row-change events.
func (s *FeedSubscription) Events() <-chan ChangeEvent {
	return s.events
}

// Status returns the channel of transport status callbacks.
func (s *FeedSubscription) Status() <-chan FeedStatus {
	return s.status
}

// Done is closed when the subscription is torn down.
func (s *FeedSubscription) Done() <-chan struct{} {
	return s.done
}

// Deliver pushes an event to the consumer, dropping it if the buffer is full
// or the subscription is closed. The poll-sync fallback compensates for
// dropped events.
func (s *FeedSubscription) Deliver(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// DeliverStatus pushes a transport status callback.
func (s *FeedSubscription) DeliverStatus(st FeedStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.status <- st:
	default:
	}
}

// Close tears down the subscription. Safe to call more than once.
func (s *FeedSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Filter is an equality filter on column values for Select calls.
type Filter map[string]string

// RemoteStore is the abstract capability surface of the hosted backend:
// authenticated CRUD over named tables, per-table row-change subscriptions
// filtered by household, and session operations. Implementations must return
// classifiable errors (see ClassifyError) rather than panicking.
type RemoteStore interface {
	// Select returns the rows of table matching the filter.
	Select(ctx context.Context, table string, filter Filter) ([]Record, error)

	// Insert creates a row and returns the server-assigned record.
	Insert(ctx context.Context, table string, rec Record) (Record, error)

	// Update applies changes to the row with the given id and returns the
	// updated record.
	Update(ctx context.Context, table, id string, changes Record) (Record, error)

	// Delete removes the row with the given id.
	Delete(ctx context.Context, table, id string) error

	// Subscribe opens a row-change subscription.
	Subscribe(ctx context.Context, req SubscribeRequest) (*FeedSubscription, error)

	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)

	// RefreshSession exchanges the current session for a fresh one.
	RefreshSession(ctx context.Context) (*Session, error)

	// SignIn authenticates with email and password.
	SignIn(ctx context.Context, email, password string) (*Session, *User, error)

	// SignUp registers a new account.
	SignUp(ctx context.Context, email, password, name string) (*Session, *User, error)

	// SignOut invalidates the current session.
	SignOut(ctx context.Context) error
}
