// ABOUTME: In-memory fan-out of transcript updates to UI observers.
// ABOUTME: Publishes message snapshots and flags per tab; read-only for subscribers.

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Update is one observable change to a session: a message snapshot (clone,
// never the live pointer) and the session's current flags. Message is nil
// for flag-only updates such as queue drains.
type Update struct {
	TabID          string
	Message        *Message
	IsGenerating   bool
	HasQueuedInput bool
}

// Broadcaster provides in-memory pub/sub for session updates. Subscribers
// register for a tab id and receive updates as the transcript mutates.
// This is the read-only UI projection; nothing a subscriber receives can
// mutate session state.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Update // tabID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Update),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers an observer for updates on the given tab. Returns a
// channel and a subscription id. The subscription is cleaned up when ctx
// is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, tabID string) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[tabID]; !ok {
		b.subscribers[tabID] = make(map[string]chan Update)
	}
	b.subscribers[tabID][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(tabID, subID)
	}()

	return ch, subID
}

// Publish sends an update to all subscribers of the tab. Non-blocking:
// updates are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(update Update) {
	b.mu.RLock()
	subs, ok := b.subscribers[update.TabID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan Update, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- update:
		default:
			b.logger.Debug("dropped update for slow subscriber", "tab_id", update.TabID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(tabID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tabID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, tabID)
	}
}

// CloseTab drops every subscription for a tab. Used when the tab closes.
func (b *Broadcaster) CloseTab(tabID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers[tabID] {
		close(ch)
		delete(b.subscribers[tabID], subID)
	}
	delete(b.subscribers, tabID)
}
