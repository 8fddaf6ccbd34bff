package replication

import (
	"errors"
	"sync"

	"github.com/raniellyferreira/redis-inmemory-node/command"
)

// DefaultBacklog is the number of commands a subscriber may fall behind
// before it is dropped
const DefaultBacklog = 1024

// ErrLagged is reported by a subscription that was dropped because its
// queue filled up
var ErrLagged = errors.New("replica stream lagged behind")

// Broadcaster fans every published command out to all current subscribers.
// Publishes are serialized, so every subscriber sees the same order.
//
// Publish never blocks: each subscriber owns a bounded queue, and a
// subscriber whose queue is full is dropped and its channel closed.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	backlog int
	closed  bool
	logger  Logger
}

// Subscription is one consumer of a Broadcaster
type Subscription struct {
	b   *Broadcaster
	ch  chan command.Command
	err error
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// backlog commands. A non-positive backlog selects DefaultBacklog.
func NewBroadcaster(backlog int) *Broadcaster {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Broadcaster{
		subs:    make(map[*Subscription]struct{}),
		backlog: backlog,
		logger:  nopLogger{},
	}
}

// SetLogger sets the logger
func (b *Broadcaster) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Subscribe registers a new subscriber. Commands published before this call
// are not delivered to it. Subscribing to a closed broadcaster returns a
// subscription whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		b:  b,
		ch: make(chan command.Command, b.backlog),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers cmd to every subscriber and returns how many received
// it. Publishing with no subscribers is not an error.
func (b *Broadcaster) Publish(cmd command.Command) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for sub := range b.subs {
		select {
		case sub.ch <- cmd:
			delivered++
		default:
			b.logger.Error("Dropping lagging replica stream", "backlog", b.backlog)
			sub.err = ErrLagged
			b.removeLocked(sub)
		}
	}
	return delivered
}

// Subscribers returns the number of live subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription and rejects new ones
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		b.removeLocked(sub)
	}
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// C returns the channel commands are delivered on. It is closed when the
// subscription ends for any reason.
func (s *Subscription) C() <-chan command.Command {
	return s.ch
}

// Unsubscribe stops delivery and closes the channel. Safe to call more than
// once.
func (s *Subscription) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.removeLocked(s)
}

// Err returns ErrLagged if the subscription was dropped for falling behind
func (s *Subscription) Err() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.err
}
