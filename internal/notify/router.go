// pattern: Imperative Shell

package notify

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
)

// Kind classifies what raised a notification.
type Kind string

const (
	KindBell     Kind = "bell"
	KindActivity Kind = "activity"
	KindAlert    Kind = "alert"
	KindPrompt   Kind = "prompt"
)

// Channel is one delivery path.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelOS       Channel = "os"
	ChannelTelegram Channel = "telegram"
)

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDismissed Status = "dismissed"
	StatusTimedOut  Status = "timed_out"
)

// Notification is one routed event.
type Notification struct {
	ID          string    `json:"id"`
	ContainerID string    `json:"containerId"`
	SessionName string    `json:"sessionName"`
	WindowIndex int       `json:"windowIndex"`
	Title       string    `json:"title,omitempty"`
	Message     string    `json:"message,omitempty"`
	Kind        Kind      `json:"kind"`
	Channels    []Channel `json:"channels"`
	CreatedAt   time.Time `json:"createdAt"`
	Status      Status    `json:"status"`
}

func (n Notification) hasChannel(c Channel) bool {
	for _, ch := range n.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// Sender delivers a notification to Telegram. nil disables the channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// entry pairs a notification with its fallback timer.
type entry struct {
	n     Notification
	timer *time.Timer
}

// Router deduplicates notifications per (container, session, kind) and
// delivers them across channels. Web and OS delivery share the SSE
// subscriber path; Telegram delivery runs immediately or after a
// fallback timer, depending on whether web is also enabled.
type Router struct {
	telegram Sender
	timeout  func() time.Duration
	log      *logging.ScopedLogger

	mu      sync.Mutex
	entries map[string]*entry  // by id
	pending map[string]string  // dedup key -> pending id

	subMu sync.Mutex
	subs  map[chan Notification]struct{}
}

// NewRouter creates a router. timeout supplies the Telegram fallback
// delay and is read at post time so settings changes apply immediately.
func NewRouter(telegram Sender, timeout func() time.Duration, logs logging.LoggerProvider) *Router {
	return &Router{
		telegram: telegram,
		timeout:  timeout,
		log:      logs.For("notify"),
		entries:  make(map[string]*entry),
		pending:  make(map[string]string),
	}
}

func dedupKey(containerID, sessionName string, kind Kind) string {
	return containerID + "\x00" + sessionName + "\x00" + string(kind)
}

// Post routes a notification. A pending notification with the same dedup
// key absorbs the new one instead of appending.
func (r *Router) Post(n Notification) (Notification, error) {
	if n.ContainerID == "" || n.SessionName == "" {
		return Notification{}, fault.New(fault.InvalidArgument, "notification needs containerId and sessionName")
	}
	switch n.Kind {
	case KindBell, KindActivity, KindAlert, KindPrompt:
	default:
		return Notification{}, fault.New(fault.InvalidArgument, "bad notification kind %q", n.Kind)
	}
	if len(n.Channels) == 0 {
		n.Channels = []Channel{ChannelWeb}
	}
	n.CreatedAt = time.Now()
	n.Status = StatusPending

	key := dedupKey(n.ContainerID, n.SessionName, n.Kind)

	r.mu.Lock()
	if id, ok := r.pending[key]; ok {
		e := r.entries[id]
		e.n.Message = n.Message
		e.n.Title = n.Title
		e.n.WindowIndex = n.WindowIndex
		e.n.CreatedAt = n.CreatedAt
		merged := e.n
		r.mu.Unlock()

		r.broadcast(merged)
		return merged, nil
	}

	n.ID = uuid.NewString()
	e := &entry{n: n}
	r.entries[n.ID] = e
	r.pending[key] = n.ID

	if n.hasChannel(ChannelTelegram) && r.telegram != nil {
		if n.hasChannel(ChannelWeb) {
			id := n.ID
			e.timer = time.AfterFunc(r.timeout(), func() { r.fireTelegram(id) })
		} else {
			go r.sendImmediate(n.ID)
		}
	}
	r.mu.Unlock()

	r.broadcast(n)
	return n, nil
}

// Dismiss marks matching pending notifications dismissed and cancels
// their fallback timers. windowIndex < 0 matches any window. Idempotent.
func (r *Router) Dismiss(containerID, sessionName string, windowIndex int) int {
	r.mu.Lock()
	var dismissed []Notification
	for key, id := range r.pending {
		e := r.entries[id]
		if e.n.ContainerID != containerID || e.n.SessionName != sessionName {
			continue
		}
		if windowIndex >= 0 && e.n.WindowIndex != windowIndex {
			continue
		}
		// Timer cancellation and the status flip happen under the same
		// lock; a fired timer re-checks status before sending.
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.n.Status = StatusDismissed
		delete(r.pending, key)
		dismissed = append(dismissed, e.n)
	}
	r.mu.Unlock()

	for _, n := range dismissed {
		r.broadcast(n)
	}
	return len(dismissed)
}

// List returns a snapshot of all known notifications, oldest first.
func (r *Router) List() []Notification {
	r.mu.Lock()
	out := make([]Notification, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.n)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pending returns only pending notifications.
func (r *Router) Pending() []Notification {
	all := r.List()
	out := all[:0]
	for _, n := range all {
		if n.Status == StatusPending {
			out = append(out, n)
		}
	}
	return out
}

// fireTelegram runs when the fallback timer elapses without a dismiss.
func (r *Router) fireTelegram(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.n.Status != StatusPending {
		r.mu.Unlock()
		return
	}
	n := e.n
	r.mu.Unlock()

	r.deliverTelegram(id, n)
}

// sendImmediate handles telegram-only notifications.
func (r *Router) sendImmediate(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.n.Status != StatusPending {
		r.mu.Unlock()
		return
	}
	n := e.n
	r.mu.Unlock()

	r.deliverTelegram(id, n)
}

// deliverTelegram sends and, only on success, settles the status and
// releases the dedup key. A failed send leaves the notification pending
// with its key intact and re-arms the fallback timer, so delivery keeps
// retrying until dismiss.
func (r *Router) deliverTelegram(id string, n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := r.telegram.Send(ctx, n); err != nil {
		r.log.Warn("telegram send failed", "notification", id, "error", err)
		r.mu.Lock()
		if e, ok := r.entries[id]; ok && e.n.Status == StatusPending {
			e.timer = time.AfterFunc(r.timeout(), func() { r.fireTelegram(id) })
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.n.Status == StatusPending {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.n.Status = StatusDelivered
		key := dedupKey(e.n.ContainerID, e.n.SessionName, e.n.Kind)
		if r.pending[key] == id {
			delete(r.pending, key)
		}
		n = e.n
	}
	r.mu.Unlock()

	r.broadcast(n)
}

// Subscribe returns a channel receiving every posted, merged, dismissed
// or delivered notification. Slow subscribers lose events rather than
// blocking the router.
func (r *Router) Subscribe() chan Notification {
	ch := make(chan Notification, 16)
	r.subMu.Lock()
	if r.subs == nil {
		r.subs = make(map[chan Notification]struct{})
	}
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber.
func (r *Router) Unsubscribe(ch chan Notification) {
	r.subMu.Lock()
	delete(r.subs, ch)
	r.subMu.Unlock()
}

func (r *Router) broadcast(n Notification) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// ReplyTag is the routing tag appended to outbound Telegram messages so
// a chat reply can be steered back to the originating pane.
func ReplyTag(n Notification) string {
	return "ref:" + n.ContainerID + ":" + n.SessionName + ":" + strconv.Itoa(n.WindowIndex)
}
