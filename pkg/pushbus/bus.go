package pushbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lancache/cachectl-core/pkg/corelog"
)

// Authorizer validates a session token at connect time and reports the
// groups the session belongs to. Session issuance itself is an
// external collaborator; the bus only consumes its verdict.
type Authorizer interface {
	Authorize(ctx context.Context, sessionToken string) (groups []string, ok bool)
}

// ErrUnauthorized is returned by ConnectSession when the authorizer
// rejects the presented token.
var ErrUnauthorized = errors.New("pushbus: session not authorized")

// subscriberBuffer bounds how far a slow consumer can lag before the
// bus starts dropping events for it.
const subscriberBuffer = 64

// Subscriber is a single connected session's delivery handle.
type Subscriber struct {
	id     string
	ch     chan Event
	mu     sync.Mutex
	groups map[Group]struct{}
}

// ID returns the subscriber's session identifier.
func (s *Subscriber) ID() string { return s.id }

// Events is the channel the transport layer should range over to push
// events down to the connected client.
func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) memberOf(g Group) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g == GroupAll {
		return true
	}
	_, ok := s.groups[g]
	return ok
}

// Bus fans events out to subscribers filtered by group membership.
// Delivery is best-effort at-most-once: a subscriber whose buffer is
// full simply misses the event rather than blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscriber
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*Subscriber)}
}

// Connect registers a new subscriber, implicitly a member of "all" and
// of whatever initial groups are supplied (e.g. "authenticated",
// "admin", a per-session group named after the session token).
func (b *Bus) Connect(sessionID string, initialGroups ...Group) *Subscriber {
	sub := &Subscriber{
		id:     sessionID,
		ch:     make(chan Event, subscriberBuffer),
		groups: make(map[Group]struct{}),
	}
	for _, g := range initialGroups {
		sub.groups[g] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sessionID] = sub
	b.mu.Unlock()
	return sub
}

// ConnectSession authorizes a session token and, on success, registers
// a subscriber carrying the authorizer's groups plus a per-session
// singleton group. Connections the authorizer rejects are refused.
func (b *Bus) ConnectSession(ctx context.Context, sessionToken string, auth Authorizer) (*Subscriber, error) {
	groups, ok := auth.Authorize(ctx, sessionToken)
	if !ok {
		return nil, ErrUnauthorized
	}
	initial := make([]Group, 0, len(groups)+1)
	for _, g := range groups {
		initial = append(initial, Group(g))
	}
	initial = append(initial, SessionGroup(sessionToken))
	return b.Connect(sessionToken, initial...), nil
}

// Disconnect removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Disconnect(sessionID string) {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// AddToGroup adds a connected subscriber to an additional group (e.g.
// promoting to "admin" after an authorization check completes).
func (b *Bus) AddToGroup(sessionID string, g Group) {
	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.groups[g] = struct{}{}
	sub.mu.Unlock()
}

// RemoveFromGroup removes group membership, e.g. on privilege downgrade.
func (b *Bus) RemoveFromGroup(sessionID string, g Group) {
	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	delete(sub.groups, g)
	sub.mu.Unlock()
}

// Publish delivers an event to every subscriber that is a member of
// ev.Group (GroupAll reaches everyone). Delivery never blocks: a full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.memberOf(ev.Group) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			logger := corelog.WithComponent("pushbus")
			logger.Warn().
				Str("subscriber", sub.id).
				Str("kind", string(ev.Kind)).
				Msg("dropping event: subscriber buffer full")
		}
	}
}

// PublishTo delivers an event to exactly one subscriber regardless of
// group membership, used for session-scoped acknowledgements.
func (b *Bus) PublishTo(sessionID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case sub.ch <- ev:
	default:
		b.dropped.Add(1)
		logger := corelog.WithComponent("pushbus")
		logger.Warn().
			Str("subscriber", sessionID).
			Str("kind", string(ev.Kind)).
			Msg("dropping targeted event: subscriber buffer full")
	}
}

// Count returns the number of currently connected subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events have been dropped so far because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
