package redisq

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"taskrelay/pkg/backoff"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var _ ports.Relay = (*Relay)(nil)

type envelope struct {
	Origin string               `json:"origin"`
	Event  domain.ProgressEvent `json:"event"`
}

// Relay forwards progress events over Redis pub/sub, one channel per task.
// An instance only subscribes to channels of tasks it has local viewers for.
type Relay struct {
	rdb    *redis.Client
	prefix string
	origin string
	log    zerolog.Logger

	mu      sync.Mutex
	watched map[string]struct{}
	ps      *redis.PubSub
}

func NewRelay(rdb *redis.Client, prefix, origin string, log zerolog.Logger) *Relay {
	return &Relay{
		rdb:     rdb,
		prefix:  prefix,
		origin:  origin,
		log:     log.With().Str("component", "redis_relay").Logger(),
		watched: make(map[string]struct{}),
	}
}

func (r *Relay) channel(taskID string) string { return r.prefix + taskID }

func (r *Relay) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	b, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel(ev.TaskID), b).Err()
}

// subscribeTimeout bounds a single SUBSCRIBE/UNSUBSCRIBE round trip. A
// change that times out is picked up when the listener reconnects.
const subscribeTimeout = 2 * time.Second

func (r *Relay) Watch(taskID string) {
	r.mu.Lock()
	if _, ok := r.watched[taskID]; ok {
		r.mu.Unlock()
		return
	}
	r.watched[taskID] = struct{}{}
	ps := r.ps
	r.mu.Unlock()

	if ps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	if err := ps.Subscribe(ctx, r.channel(taskID)); err != nil {
		r.log.Warn().Err(err).Str("task_id", taskID).Msg("subscribe failed")
	}
}

func (r *Relay) Unwatch(taskID string) {
	r.mu.Lock()
	if _, ok := r.watched[taskID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.watched, taskID)
	ps := r.ps
	r.mu.Unlock()

	if ps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	if err := ps.Unsubscribe(ctx, r.channel(taskID)); err != nil {
		r.log.Warn().Err(err).Str("task_id", taskID).Msg("unsubscribe failed")
	}
}

func (r *Relay) Listen(ctx context.Context, deliver func(domain.ProgressEvent)) error {
	for attempt := 1; ; attempt++ {
		err := r.listenOnce(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.ExponentialJitter(500*time.Millisecond, 30*time.Second, attempt)
		r.log.Warn().Err(err).Dur("retry_in", delay).Msg("relay listener interrupted")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (r *Relay) listenOnce(ctx context.Context, deliver func(domain.ProgressEvent)) error {
	ps := r.rdb.Subscribe(ctx)
	defer func() {
		r.mu.Lock()
		r.ps = nil
		r.mu.Unlock()
		_ = ps.Close()
	}()

	if err := ps.Ping(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.ps = ps
	channels := make([]string, 0, len(r.watched))
	for id := range r.watched {
		channels = append(channels, r.channel(id))
	}
	if len(channels) > 0 {
		if err := ps.Subscribe(ctx, channels...); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()

	r.log.Info().Int("channels", len(channels)).Msg("relay listener subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			r.handle(msg, deliver)
		}
	}
}

func (r *Relay) handle(msg *redis.Message, deliver func(domain.ProgressEvent)) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}

	taskID := strings.TrimPrefix(msg.Channel, r.prefix)
	r.mu.Lock()
	_, watched := r.watched[taskID]
	r.mu.Unlock()
	if !watched {
		return
	}
	deliver(env.Event)
}
