// Package broadcast fans progress events out to the viewers of each task,
// locally and across instances through a relay.
package broadcast

import (
	"context"
	"sync"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"taskrelay/pkg/backoff"
	"time"

	"github.com/rs/zerolog"
)

// Subscriber receives events for the tasks it subscribed to. Deliver is
// called with the task's topic locked and must not block.
type Subscriber interface {
	Deliver(ev domain.ProgressEvent)
}

type topic struct {
	mu      sync.Mutex
	subs    map[Subscriber]struct{}
	retired bool
}

// Bus is the process-wide subscriber registry. It is safe for concurrent use.
// Events for one task are delivered in publish order; different tasks never
// contend on the same lock.
type Bus struct {
	relay    ports.Relay
	log      zerolog.Logger
	outbound chan domain.ProgressEvent

	// listenBackoff is the base delay before a failed relay listener is
	// restarted.
	listenBackoff time.Duration
	drainTimeout  time.Duration

	mu     sync.Mutex
	topics map[string]*topic

	// watchMu serializes relay Watch/Unwatch calls. It is never held together
	// with mu or a topic lock.
	watchMu  sync.Mutex
	watching map[string]struct{}
}

// New builds a bus. relay may be nil, in which case events stay local.
func New(relay ports.Relay, queueSize int, log zerolog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Bus{
		relay:         relay,
		log:           log.With().Str("component", "bus").Logger(),
		outbound:      make(chan domain.ProgressEvent, queueSize),
		listenBackoff: 500 * time.Millisecond,
		drainTimeout:  5 * time.Second,
		topics:        make(map[string]*topic),
		watching:      make(map[string]struct{}),
	}
}

func (b *Bus) Subscribe(taskID string, s Subscriber) {
	for {
		b.mu.Lock()
		t, ok := b.topics[taskID]
		if !ok {
			t = &topic{subs: make(map[Subscriber]struct{})}
			b.topics[taskID] = t
		}
		b.mu.Unlock()

		t.mu.Lock()
		if t.retired {
			// lost a race with the last unsubscribe; take a fresh topic
			t.mu.Unlock()
			b.dropTopic(taskID, t)
			continue
		}
		first := len(t.subs) == 0
		t.subs[s] = struct{}{}
		t.mu.Unlock()

		if first {
			b.syncWatch(taskID)
		}
		return
	}
}

// Unsubscribe is a no-op when s is not subscribed.
func (b *Bus) Unsubscribe(taskID string, s Subscriber) {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if _, ok := t.subs[s]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.subs, s)
	last := len(t.subs) == 0
	if last {
		t.retired = true
	}
	t.mu.Unlock()

	if last {
		b.dropTopic(taskID, t)
		b.syncWatch(taskID)
	}
}

func (b *Bus) dropTopic(taskID string, t *topic) {
	b.mu.Lock()
	if b.topics[taskID] == t {
		delete(b.topics, taskID)
	}
	b.mu.Unlock()
}

// syncWatch brings the relay's watch on taskID in line with the current
// local subscriber count. It runs after every first-subscribe and
// last-unsubscribe, so the last call to finish always sees the final count.
// A slow relay delays other subscription changes but never Publish.
func (b *Bus) syncWatch(taskID string) {
	if b.relay == nil {
		return
	}
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	want := b.Subscribers(taskID) > 0
	_, have := b.watching[taskID]
	switch {
	case want && !have:
		b.watching[taskID] = struct{}{}
		b.relay.Watch(taskID)
	case !want && have:
		delete(b.watching, taskID)
		b.relay.Unwatch(taskID)
	}
}

// Publish delivers ev to local subscribers and queues it for the relay. It
// never blocks: a full relay queue drops the event, which viewers on other
// instances recover from through snapshots.
func (b *Bus) Publish(ctx context.Context, ev domain.ProgressEvent) {
	b.deliver(ev)
	if b.relay == nil {
		return
	}
	select {
	case b.outbound <- ev:
	default:
		b.log.Warn().Str("task_id", ev.TaskID).Str("state", string(ev.State)).Msg("relay queue full, dropping event")
	}
}

func (b *Bus) deliver(ev domain.ProgressEvent) {
	b.mu.Lock()
	t, ok := b.topics[ev.TaskID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		s.Deliver(ev)
	}
}

// Subscribers reports how many local subscribers a task has.
func (b *Bus) Subscribers(taskID string) int {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Run supervises the relay publisher and listener until ctx is done. A
// listener that fails is restarted with backoff. On shutdown the events still
// queued for the relay are flushed, bounded by drainTimeout, so terminal
// events recorded while stopping still reach other instances.
func (b *Bus) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.forward(ctx)
	}()
	go func() {
		defer wg.Done()
		b.listen(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (b *Bus) listen(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := b.relay.Listen(ctx, b.deliver)
		if ctx.Err() != nil {
			return
		}

		delay := backoff.ExponentialJitter(b.listenBackoff, 30*time.Second, attempt)
		b.log.Error().Err(err).Dur("retry_in", delay).Msg("relay listener stopped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// forward drains the outbound queue in order.
func (b *Bus) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case ev := <-b.outbound:
			if ctx.Err() != nil {
				b.drain(ev)
				return
			}
			b.send(ctx, ev)
		}
	}
}

func (b *Bus) drain(pending ...domain.ProgressEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), b.drainTimeout)
	defer cancel()

	for _, ev := range pending {
		b.send(ctx, ev)
	}
	for {
		if ctx.Err() != nil {
			if n := len(b.outbound); n > 0 {
				b.log.Warn().Int("dropped", n).Msg("relay drain timed out")
			}
			return
		}
		select {
		case ev := <-b.outbound:
			b.send(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bus) send(ctx context.Context, ev domain.ProgressEvent) {
	if err := b.relay.Publish(ctx, ev); err != nil {
		b.log.Warn().Err(err).Str("task_id", ev.TaskID).Msg("relay publish failed, event stays local")
	}
}
