// Package connection owns live viewer channels: it subscribes them to tasks
// on the bus, primes each subscription with a snapshot and reaps viewers
// that went quiet.
package connection

import (
	"context"
	"errors"
	"sync"
	"taskrelay/internal/broadcast"
	"taskrelay/internal/domain"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotSubscribed = errors.New("viewer is not subscribed to task")
	ErrClosed        = errors.New("viewer is closed")
)

// Conn is the write side of a live channel.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// SnapshotSource reads the authoritative task state for a caller.
type SnapshotSource interface {
	Get(ctx context.Context, taskID, callerID string) (domain.Snapshot, error)
}

type Broker interface {
	Subscribe(taskID string, s broadcast.Subscriber)
	Unsubscribe(taskID string, s broadcast.Subscriber)
}

type Config struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	OutboxSize    int
}

type Manager struct {
	broker   Broker
	source   SnapshotSource
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
	resyncTO time.Duration

	mu      sync.Mutex
	viewers map[string]*Viewer
}

func NewManager(broker Broker, source SnapshotSource, cfg Config, log zerolog.Logger) *Manager {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	return &Manager{
		broker:   broker,
		source:   source,
		cfg:      cfg,
		log:      log.With().Str("component", "connections").Logger(),
		now:      time.Now,
		resyncTO: 5 * time.Second,
		viewers:  make(map[string]*Viewer),
	}
}

// Connect registers a live channel and starts its writer.
func (m *Manager) Connect(conn Conn, callerID string) *Viewer {
	now := m.now()
	v := &Viewer{
		ID:           uuid.NewString(),
		CallerID:     callerID,
		ConnectedAt:  now,
		conn:         conn,
		m:            m,
		lastActivity: now,
		subs:         make(map[string]*subscription),
		outbox:       make(chan outgoing, m.cfg.OutboxSize),
		closed:       make(chan struct{}),
	}

	m.mu.Lock()
	m.viewers[v.ID] = v
	m.mu.Unlock()

	go v.writeLoop()
	m.log.Debug().Str("viewer_id", v.ID).Str("caller_id", callerID).Msg("viewer connected")
	return v
}

// SubscribeToTask subscribes v and sends the current snapshot first. Events
// published while the snapshot is read are held back and only those newer
// than the snapshot follow it.
func (m *Manager) SubscribeToTask(ctx context.Context, v *Viewer, taskID string) error {
	v.mu.Lock()
	if v.isClosed() {
		v.mu.Unlock()
		return ErrClosed
	}
	if _, ok := v.subs[taskID]; ok {
		v.mu.Unlock()
		return m.Resend(ctx, v, taskID)
	}
	sub := &subscription{}
	v.subs[taskID] = sub
	v.mu.Unlock()

	m.broker.Subscribe(taskID, v)
	if v.isClosed() {
		// Disconnect ran before the bus registration landed
		m.broker.Unsubscribe(taskID, v)
		return ErrClosed
	}

	snap, err := m.source.Get(ctx, taskID, v.CallerID)
	if err != nil {
		m.UnsubscribeFromTask(v, taskID)
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.subs[taskID] != sub {
		return nil
	}
	sub.primed = true
	v.offer(taskID, sub, snapshotMessage(snap), snap.Event(), true)
	for _, ev := range sub.held {
		v.offer(taskID, sub, progressMessage(ev), ev, false)
	}
	sub.held = nil
	return nil
}

// UnsubscribeFromTask is safe to call for tasks v is not subscribed to.
func (m *Manager) UnsubscribeFromTask(v *Viewer, taskID string) {
	v.mu.Lock()
	_, ok := v.subs[taskID]
	delete(v.subs, taskID)
	v.mu.Unlock()
	if ok {
		m.broker.Unsubscribe(taskID, v)
	}
}

// Disconnect removes v from every task and closes its channel. It may be
// called any number of times from any goroutine.
func (m *Manager) Disconnect(v *Viewer) {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		close(v.closed)
		tasks := make([]string, 0, len(v.subs))
		for id := range v.subs {
			tasks = append(tasks, id)
		}
		v.subs = make(map[string]*subscription)
		v.mu.Unlock()

		for _, id := range tasks {
			m.broker.Unsubscribe(id, v)
		}

		m.mu.Lock()
		delete(m.viewers, v.ID)
		m.mu.Unlock()

		if err := v.conn.Close(); err != nil {
			m.log.Debug().Err(err).Str("viewer_id", v.ID).Msg("close failed")
		}
		m.log.Debug().Str("viewer_id", v.ID).Msg("viewer disconnected")
	})
}

// Touch records client activity.
func (m *Manager) Touch(v *Viewer) {
	v.mu.Lock()
	v.lastActivity = m.now()
	v.mu.Unlock()
}

// Resend queues a fresh snapshot for a task v is subscribed to.
func (m *Manager) Resend(ctx context.Context, v *Viewer, taskID string) error {
	v.mu.Lock()
	_, ok := v.subs[taskID]
	v.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}

	snap, err := m.source.Get(ctx, taskID, v.CallerID)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if sub, ok := v.subs[taskID]; ok && sub.primed {
		v.offer(taskID, sub, snapshotMessage(snap), snap.Event(), true)
	}
	return nil
}

// Send queues a control message such as a pong or an error. It is dropped
// when the outbox is full.
func (m *Manager) Send(v *Viewer, msg Message) {
	select {
	case <-v.closed:
	case v.outbox <- outgoing{msg: msg}:
	default:
	}
}

// Count reports the number of connected viewers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.viewers)
}

// Run sweeps stale viewers until ctx is done, then disconnects everyone.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, v := range m.all() {
				m.Disconnect(v)
			}
			return ctx.Err()
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.log.Info().Int("count", n).Msg("closed stale viewers")
			}
		}
	}
}

func (m *Manager) sweep() int {
	cutoff := m.now().Add(-m.cfg.StaleAfter)
	n := 0
	for _, v := range m.all() {
		v.mu.Lock()
		stale := v.lastActivity.Before(cutoff)
		v.mu.Unlock()
		if stale {
			m.Disconnect(v)
			n++
		}
	}
	return n
}

func (m *Manager) all() []*Viewer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Viewer, 0, len(m.viewers))
	for _, v := range m.viewers {
		out = append(out, v)
	}
	return out
}

// finish runs after a terminal message for taskID was written.
func (m *Manager) finish(v *Viewer, taskID string) {
	m.UnsubscribeFromTask(v, taskID)
	v.mu.Lock()
	empty := len(v.subs) == 0
	v.mu.Unlock()
	if empty {
		m.Disconnect(v)
	}
}

// resync replaces whatever was dropped during an outbox overflow with fresh
// snapshots of every subscribed task.
func (m *Manager) resync(v *Viewer) {
	v.mu.Lock()
	tasks := make([]string, 0, len(v.subs))
	for id := range v.subs {
		tasks = append(tasks, id)
	}
	v.mu.Unlock()

	m.log.Warn().Str("viewer_id", v.ID).Int("tasks", len(tasks)).Msg("viewer lagged, resending snapshots")
	ctx, cancel := context.WithTimeout(context.Background(), m.resyncTO)
	defer cancel()
	for _, id := range tasks {
		if err := m.Resend(ctx, v, id); err != nil && !errors.Is(err, ErrNotSubscribed) {
			m.log.Warn().Err(err).Str("viewer_id", v.ID).Str("task_id", id).Msg("resync failed")
		}
	}
}
