package connection

import (
	"sync"
	"taskrelay/internal/domain"
	"time"
)

const (
	TypeSnapshot = "snapshot"
	TypeProgress = "progress"
	TypePong     = "pong"
	TypeError    = "error"
)

// maxHeld bounds the events buffered while a subscription waits for its
// snapshot.
const maxHeld = 32

// Message is one server-to-viewer frame.
type Message struct {
	Type     string                `json:"type"`
	TaskID   string                `json:"taskId,omitempty"`
	Snapshot *domain.Snapshot      `json:"snapshot,omitempty"`
	Event    *domain.ProgressEvent `json:"event,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func snapshotMessage(s domain.Snapshot) Message {
	return Message{Type: TypeSnapshot, TaskID: s.TaskID, Snapshot: &s}
}

func progressMessage(ev domain.ProgressEvent) Message {
	return Message{Type: TypeProgress, TaskID: ev.TaskID, Event: &ev}
}

type outgoing struct {
	msg      Message
	terminal bool
}

type subscription struct {
	primed bool
	held   []domain.ProgressEvent
	sent   bool
	last   domain.ProgressEvent
	done   bool
}

// Viewer is one live channel. All writes to the underlying Conn happen on the
// viewer's writer goroutine.
type Viewer struct {
	ID          string
	CallerID    string
	ConnectedAt time.Time

	conn Conn
	m    *Manager

	mu           sync.Mutex
	lastActivity time.Time
	subs         map[string]*subscription
	lagged       bool

	outbox    chan outgoing
	closed    chan struct{}
	closeOnce sync.Once
}

// Deliver implements broadcast.Subscriber.
func (v *Viewer) Deliver(ev domain.ProgressEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	sub, ok := v.subs[ev.TaskID]
	if !ok {
		return
	}
	if !sub.primed {
		if len(sub.held) == maxHeld {
			sub.held = sub.held[1:]
		}
		sub.held = append(sub.held, ev)
		return
	}
	v.offer(ev.TaskID, sub, progressMessage(ev), ev, false)
}

// Tasks lists the tasks v is subscribed to.
func (v *Viewer) Tasks() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.subs))
	for id := range v.subs {
		out = append(out, id)
	}
	return out
}

// Done is closed once the viewer is disconnected.
func (v *Viewer) Done() <-chan struct{} { return v.closed }

// offer queues msg unless the viewer already saw something at least as far
// along. A snapshot may repeat the last sent position; an event may not,
// unless its message changed. Callers hold v.mu.
func (v *Viewer) offer(taskID string, sub *subscription, msg Message, ev domain.ProgressEvent, snapshot bool) {
	if sub.done || v.isClosed() {
		return
	}
	if sub.sent {
		c := ev.Compare(sub.last)
		if c < 0 || (c == 0 && !snapshot && ev.Message == sub.last.Message) {
			return
		}
	}

	out := outgoing{msg: msg, terminal: ev.IsTerminal()}
	select {
	case v.outbox <- out:
		sub.sent = true
		sub.last = ev
		sub.done = out.terminal
	default:
		v.lagged = true
	}
}

func (v *Viewer) isClosed() bool {
	select {
	case <-v.closed:
		return true
	default:
		return false
	}
}

func (v *Viewer) takeLagged() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	l := v.lagged
	v.lagged = false
	return l
}

func (v *Viewer) writeLoop() {
	for {
		select {
		case <-v.closed:
			return
		case out := <-v.outbox:
			if err := v.conn.WriteJSON(out.msg); err != nil {
				v.m.log.Debug().Err(err).Str("viewer_id", v.ID).Msg("write failed")
				v.m.Disconnect(v)
				return
			}
			if out.terminal {
				v.m.finish(v, out.msg.TaskID)
			}
			if len(v.outbox) == 0 && v.takeLagged() {
				v.m.resync(v)
			}
		}
	}
}
