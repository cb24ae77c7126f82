// Package delivery fans newly stored envelopes out to the live connections of
// their recipient.
//
// Delivery is best effort: the ledger is the source of truth and a client that
// misses a push catches up by fetching the conversation. A subscriber whose
// buffer is full loses that one event and stays registered.
package delivery

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/pkg/models"
)

const (
	DefaultBufferSize     = 64
	DefaultMaxPerIdentity = 8
)

var ErrBusClosed = errors.New("delivery bus closed")

type Options struct {
	BufferSize     int
	MaxPerIdentity int
	// OnDrop is called outside any lock when an event is skipped for a full
	// subscriber.
	OnDrop func(identityID string)
}

type Subscription struct {
	id         uint64
	identityID string
	ch         chan models.EnvelopeEvent
	bus        *Bus
	closeOnce  sync.Once
}

// Events is closed once the subscription is removed.
func (s *Subscription) Events() <-chan models.EnvelopeEvent { return s.ch }

func (s *Subscription) IdentityID() string { return s.identityID }

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.bus.Unsubscribe(s) }

type Bus struct {
	bufferSize     int
	maxPerIdentity int
	onDrop         func(string)

	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewBus(opts Options) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxPerIdentity <= 0 {
		opts.MaxPerIdentity = DefaultMaxPerIdentity
	}
	return &Bus{
		bufferSize:     opts.BufferSize,
		maxPerIdentity: opts.MaxPerIdentity,
		onDrop:         opts.OnDrop,
		subs:           make(map[string]map[uint64]*Subscription),
	}
}

func (b *Bus) Subscribe(identityID string) (*Subscription, error) {
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", contracts.ErrInvalidInput)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	set := b.subs[identityID]
	if len(set) >= b.maxPerIdentity {
		return nil, contracts.ErrTooManySubscriptions
	}
	if set == nil {
		set = make(map[uint64]*Subscription)
		b.subs[identityID] = set
	}
	b.nextID++
	sub := &Subscription{
		id:         b.nextID,
		identityID: identityID,
		ch:         make(chan models.EnvelopeEvent, b.bufferSize),
		bus:        b,
	}
	set[sub.id] = sub
	return sub, nil
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

// UnsubscribeAll drops every live subscription of identityID and returns how
// many were removed.
func (b *Bus) UnsubscribeAll(identityID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[identityID]
	n := len(set)
	for _, sub := range set {
		b.removeLocked(sub)
	}
	return n
}

// Notify offers event to every subscription of recipientID without blocking and
// returns how many accepted it.
func (b *Bus) Notify(recipientID string, event models.EnvelopeEvent) int {
	reached := 0
	drops := 0
	b.mu.RLock()
	for _, sub := range b.subs[recipientID] {
		select {
		case sub.ch <- event:
			reached++
		default:
			drops++
		}
	}
	b.mu.RUnlock()

	b.delivered.Add(uint64(reached))
	if drops > 0 {
		b.dropped.Add(uint64(drops))
		if b.onDrop != nil {
			for range drops {
				b.onDrop(recipientID)
			}
		}
	}
	return reached
}

func (b *Bus) Stats() models.DeliveryStats {
	b.mu.RLock()
	identities := len(b.subs)
	subscriptions := 0
	for _, set := range b.subs {
		subscriptions += len(set)
	}
	b.mu.RUnlock()
	return models.DeliveryStats{
		Identities:    identities,
		Subscriptions: subscriptions,
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
	}
}

// Close removes every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, set := range b.subs {
		for _, sub := range set {
			b.removeLocked(sub)
		}
	}
}

func (b *Bus) removeLocked(sub *Subscription) {
	set := b.subs[sub.identityID]
	if set[sub.id] != sub {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(b.subs, sub.identityID)
	}
	sub.closeOnce.Do(func() { close(sub.ch) })
}
