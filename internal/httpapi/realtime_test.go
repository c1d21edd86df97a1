package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/telemetry"
)

type fakeSession struct {
	in chan string

	mu   sync.Mutex
	sent []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{in: make(chan string, 8)}
}

func (s *fakeSession) Recv() (string, error) {
	msg, ok := <-s.in
	if !ok {
		return "", io.EOF
	}
	return msg, nil
}

func (s *fakeSession) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) messages() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(s.sent))
	for _, raw := range s.sent {
		var msg map[string]interface{}
		_ = json.Unmarshal([]byte(raw), &msg)
		out = append(out, msg)
	}
	return out
}

type fakeSubscriber struct {
	mu           sync.Mutex
	handlers     map[string]notify.Handler
	unsubscribed []string
	err          error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, queueID string, handler notify.Handler) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.handlers[queueID] = handler
	f.mu.Unlock()
	handler(notify.Snapshot{QueueID: queueID, Seq: 1, Items: []models.QueueItem{
		{ItemID: "a", DisplayName: "Ana", Contact: &models.Contact{Phone: "11988887777"}},
	}})
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed = append(f.unsubscribed, queueID)
	}, nil
}

func (f *fakeSubscriber) unsubs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

func runBridge(t *testing.T, bridge *RealtimeBridge, session *fakeSession) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		bridge.serve(session)
		close(done)
	}()
	return done
}

func waitMessages(t *testing.T, session *fakeSession, n int) []map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msgs := session.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d messages, got %d", n, len(session.messages()))
	return nil
}

func TestRealtimeSubscribePushesSnapshot(t *testing.T) {
	sub := &fakeSubscriber{handlers: make(map[string]notify.Handler)}
	bridge := NewRealtimeBridge(sub, fakeEngine{}, telemetry.NopLogger())
	session := newFakeSession()
	done := runBridge(t, bridge, session)

	session.in <- `{"action":"subscribe","queue_id":"` + testQueueID + `"}`
	msgs := waitMessages(t, session, 1)
	if msgs[0]["type"] != "queue.snapshot" || msgs[0]["queue_id"] != testQueueID {
		t.Fatalf("unexpected message: %v", msgs[0])
	}
	items := msgs[0]["items"].([]interface{})
	if _, hasContact := items[0].(map[string]interface{})["contact"]; hasContact {
		t.Fatalf("contact leaked to realtime viewers: %v", items[0])
	}

	close(session.in)
	<-done
	if got := sub.unsubs(); len(got) != 1 || got[0] != testQueueID {
		t.Fatalf("expected unsubscribe on close, got %v", got)
	}
}

func TestRealtimeResubscribeSwitchesQueue(t *testing.T) {
	other := "33333333-3333-3333-3333-333333333333"
	sub := &fakeSubscriber{handlers: make(map[string]notify.Handler)}
	bridge := NewRealtimeBridge(sub, fakeEngine{}, telemetry.NopLogger())
	session := newFakeSession()
	done := runBridge(t, bridge, session)

	session.in <- `{"action":"subscribe","queue_id":"` + testQueueID + `"}`
	waitMessages(t, session, 1)
	session.in <- `{"action":"subscribe","queue_id":"` + other + `"}`
	waitMessages(t, session, 2)
	session.in <- `{"action":"unsubscribe"}`
	close(session.in)
	<-done

	got := sub.unsubs()
	if len(got) != 2 || got[0] != testQueueID || got[1] != other {
		t.Fatalf("unexpected unsubscribe order: %v", got)
	}
}

func TestRealtimeRejectsBadMessages(t *testing.T) {
	sub := &fakeSubscriber{handlers: make(map[string]notify.Handler)}
	eng := fakeEngine{
		getQueueFn: func(ctx context.Context, queueID string) (models.Queue, error) {
			return models.Queue{}, store.ErrNotFound
		},
	}
	bridge := NewRealtimeBridge(sub, eng, telemetry.NopLogger())
	session := newFakeSession()
	done := runBridge(t, bridge, session)

	session.in <- `not json`
	session.in <- `{"action":"subscribe","queue_id":"nope"}`
	session.in <- `{"action":"subscribe","queue_id":"` + testQueueID + `"}`
	session.in <- `{"action":"dance"}`
	close(session.in)
	<-done

	msgs := session.messages()
	want := []string{"invalid_json", "invalid_request", "not_found", "invalid_request"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d errors, got %v", len(want), msgs)
	}
	for i, code := range want {
		errBody := msgs[i]["error"].(map[string]interface{})
		if msgs[i]["type"] != "error" || errBody["code"] != code {
			t.Fatalf("message %d: expected %s, got %v", i, code, msgs[i])
		}
	}
	if len(sub.unsubs()) != 0 {
		t.Fatalf("no subscription expected")
	}
}

func TestRealtimeSubscribeAfterNotifierClosed(t *testing.T) {
	sub := &fakeSubscriber{handlers: make(map[string]notify.Handler), err: errors.New("notifier closed")}
	bridge := NewRealtimeBridge(sub, fakeEngine{}, telemetry.NopLogger())
	session := newFakeSession()
	done := runBridge(t, bridge, session)

	session.in <- `{"action":"subscribe","queue_id":"` + testQueueID + `"}`
	close(session.in)
	<-done

	msgs := session.messages()
	if len(msgs) != 1 || msgs[0]["type"] != "error" {
		t.Fatalf("expected one error message, got %v", msgs)
	}
}
