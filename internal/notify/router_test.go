package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []Notification
	err   error
	fired chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{fired: make(chan struct{}, 8)}
}

func (f *fakeSender) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	select {
	case f.fired <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestRouter(sender Sender, timeout time.Duration) *Router {
	return NewRouter(sender, func() time.Duration { return timeout }, logging.NopProvider())
}

func post(t *testing.T, r *Router, n Notification) Notification {
	t.Helper()
	out, err := r.Post(n)
	if err != nil {
		t.Fatalf("Post error = %v", err)
	}
	return out
}

func TestPostValidation(t *testing.T) {
	r := newTestRouter(nil, time.Minute)

	if _, err := r.Post(Notification{SessionName: "s", Kind: KindBell}); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("missing container = %v, want InvalidArgument", err)
	}
	if _, err := r.Post(Notification{ContainerID: "c", SessionName: "s", Kind: "bogus"}); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("bad kind = %v, want InvalidArgument", err)
	}
}

func TestEmptyChannelsDefaultToWeb(t *testing.T) {
	r := newTestRouter(nil, time.Minute)
	n := post(t, r, Notification{ContainerID: "c", SessionName: "s", Kind: KindBell})
	if len(n.Channels) != 1 || n.Channels[0] != ChannelWeb {
		t.Errorf("channels = %v, want [web]", n.Channels)
	}
}

func TestDedupMergesPending(t *testing.T) {
	r := newTestRouter(nil, time.Minute)

	first := post(t, r, Notification{ContainerID: "c", SessionName: "s", Kind: KindBell, Message: "one", WindowIndex: 0})
	post(t, r, Notification{ContainerID: "c", SessionName: "s", Kind: KindBell, Message: "two", WindowIndex: 3})
	post(t, r, Notification{ContainerID: "c", SessionName: "s", Kind: KindBell, Message: "three", WindowIndex: 5})

	pending := r.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	got := pending[0]
	if got.ID != first.ID || got.Message != "three" || got.WindowIndex != 5 {
		t.Errorf("merged = %+v", got)
	}

	// A different kind is a different key.
	post(t, r, Notification{ContainerID: "c", SessionName: "s", Kind: KindActivity})
	if len(r.Pending()) != 2 {
		t.Errorf("pending = %d after second kind, want 2", len(r.Pending()))
	}
}

func TestTelegramFallbackFiresWithoutDismiss(t *testing.T) {
	sender := newFakeSender()
	r := newTestRouter(sender, 30*time.Millisecond)

	n := post(t, r, Notification{
		ContainerID: "c", SessionName: "s", Kind: KindBell,
		Channels: []Channel{ChannelWeb, ChannelTelegram},
	})

	select {
	case <-sender.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("telegram send did not fire")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, got := range r.List() {
			if got.ID == n.ID && got.Status == StatusDelivered {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("notification never marked delivered")
}

func TestDismissCancelsTelegramTimer(t *testing.T) {
	sender := newFakeSender()
	r := newTestRouter(sender, 30*time.Millisecond)

	post(t, r, Notification{
		ContainerID: "c", SessionName: "s", Kind: KindBell, WindowIndex: 2,
		Channels: []Channel{ChannelWeb, ChannelTelegram},
	})

	if count := r.Dismiss("c", "s", -1); count != 1 {
		t.Fatalf("Dismiss = %d, want 1", count)
	}

	time.Sleep(100 * time.Millisecond)
	if sender.count() != 0 {
		t.Error("dismissed notification produced a telegram send")
	}

	// Idempotent.
	if count := r.Dismiss("c", "s", -1); count != 0 {
		t.Errorf("second Dismiss = %d, want 0", count)
	}
}

func TestDismissByWindowIndex(t *testing.T) {
	r := newTestRouter(nil, time.Minute)
	post(t, r, Notification{ContainerID: "c", SessionName: "s", Kind: KindBell, WindowIndex: 1})
	post(t, r, Notification{ContainerID: "c", SessionName: "s", Kind: KindActivity, WindowIndex: 2})

	if count := r.Dismiss("c", "s", 9); count != 0 {
		t.Errorf("non-matching window dismissed %d", count)
	}
	if count := r.Dismiss("c", "s", 2); count != 1 {
		t.Errorf("window dismiss = %d, want 1", count)
	}
}

func TestTelegramOnlySendsImmediately(t *testing.T) {
	sender := newFakeSender()
	r := newTestRouter(sender, time.Hour)

	post(t, r, Notification{
		ContainerID: "c", SessionName: "s", Kind: KindAlert,
		Channels: []Channel{ChannelTelegram},
	})

	select {
	case <-sender.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate telegram send did not happen")
	}
}

func TestNilSenderNeverArmsTelegram(t *testing.T) {
	r := newTestRouter(nil, 10*time.Millisecond)

	n := post(t, r, Notification{
		ContainerID: "c", SessionName: "s", Kind: KindBell,
		Channels: []Channel{ChannelWeb, ChannelTelegram},
	})

	time.Sleep(60 * time.Millisecond)
	for _, got := range r.List() {
		if got.ID == n.ID && got.Status != StatusPending {
			t.Errorf("status with no sender = %q, want pending", got.Status)
		}
	}
	if count := r.Dismiss("c", "s", -1); count != 1 {
		t.Errorf("Dismiss = %d, want 1", count)
	}
}

func TestTelegramFailureKeepsStatusRetryable(t *testing.T) {
	sender := newFakeSender()
	sender.setErr(errors.New("bot api down"))
	r := newTestRouter(sender, 20*time.Millisecond)

	n := post(t, r, Notification{
		ContainerID: "c", SessionName: "s", Kind: KindBell, Message: "one",
		Channels: []Channel{ChannelWeb, ChannelTelegram},
	})

	time.Sleep(150 * time.Millisecond)
	found := false
	for _, got := range r.List() {
		if got.ID == n.ID {
			found = true
			if got.Status != StatusPending {
				t.Errorf("status after failed send = %q, want pending", got.Status)
			}
		}
	}
	if !found {
		t.Fatal("notification disappeared")
	}

	// The dedup key survives the failure, so a repost merges instead of
	// appending.
	post(t, r, Notification{
		ContainerID: "c", SessionName: "s", Kind: KindBell, Message: "two",
		Channels: []Channel{ChannelWeb, ChannelTelegram},
	})
	if pending := r.Pending(); len(pending) != 1 || pending[0].ID != n.ID {
		t.Fatalf("pending after repost = %+v, want the merged original", pending)
	}

	// Once the sender recovers, the re-armed timer delivers.
	sender.setErr(nil)
	select {
	case <-sender.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("retry never reached the sender")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, got := range r.List() {
			if got.ID == n.ID && got.Status == StatusDelivered {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("recovered send never marked delivered")
}

func TestSubscribersReceiveLifecycle(t *testing.T) {
	r := newTestRouter(nil, time.Minute)
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	posted := post(t, r, Notification{ContainerID: "c", SessionName: "s", Kind: KindBell})

	select {
	case got := <-ch:
		if got.ID != posted.ID || got.Status != StatusPending {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no post event")
	}

	r.Dismiss("c", "s", -1)
	select {
	case got := <-ch:
		if got.Status != StatusDismissed {
			t.Errorf("event status = %s, want dismissed", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no dismiss event")
	}
}

func TestReplyTagRoundTrip(t *testing.T) {
	n := Notification{ContainerID: "bridge:b1", SessionName: "work", WindowIndex: 3}
	body := []byte(`{
		"message": {
			"text": "restart it",
			"from": {"id": 42, "username": "ops"},
			"reply_to_message": {"text": "Bell\nsomething rang\n\n` + ReplyTag(n) + `"}
		}
	}`)

	reply, err := ParseReply(body)
	if err != nil {
		t.Fatalf("ParseReply error = %v", err)
	}
	if reply.ContainerID != "bridge:b1" || reply.SessionName != "work" || reply.WindowIndex != 3 {
		t.Errorf("reply routing = %+v", reply)
	}
	if reply.Text != "restart it" || reply.FromID != 42 {
		t.Errorf("reply payload = %+v", reply)
	}
}

func TestParseReplyRejectsNonReplies(t *testing.T) {
	if _, err := ParseReply([]byte(`{"message":{"text":"hi"}}`)); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("error = %v, want InvalidArgument", err)
	}
	if _, err := ParseReply([]byte(`{"message":{"text":"hi","reply_to_message":{"text":"no tag"}}}`)); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("error = %v, want InvalidArgument", err)
	}
}
