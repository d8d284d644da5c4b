package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/livepanel/internal/domain"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

func TestHubDeliversPerSession(t *testing.T) {
	t.Parallel()
	h := NewHub(4, nil)
	a := h.Subscribe("sess-a")
	b := h.Subscribe("sess-b")
	defer h.Unsubscribe(b)

	h.Publish(domain.Event{SessionID: "sess-a", Seq: 1})
	select {
	case evt := <-a.C():
		if evt.Seq != 1 {
			t.Fatalf("got seq %d", evt.Seq)
		}
	default:
		t.Fatal("subscriber a got nothing")
	}
	select {
	case evt := <-b.C():
		t.Fatalf("subscriber b got %+v from another session", evt)
	default:
	}

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	if _, ok := <-a.C(); ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	if n := h.Subscribers("sess-a"); n != 0 {
		t.Fatalf("Subscribers() = %d, want 0", n)
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()
	h := NewHub(1, nil)
	sub := h.Subscribe("sess-a")
	defer h.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 5; i++ {
			h.Publish(domain.Event{SessionID: "sess-a", Seq: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if evt := <-sub.C(); evt.Seq != 1 {
		t.Fatalf("first buffered seq = %d, want 1", evt.Seq)
	}
}

type fakeEvents struct{ events []domain.Event }

func (f *fakeEvents) Recent(_ context.Context, _ string, limit int, _ ...domain.EventType) ([]domain.Event, error) {
	if len(f.events) > limit {
		return f.events[len(f.events)-limit:], nil
	}
	return f.events, nil
}

type fakeSessions struct{}

func (fakeSessions) GetSession(_ context.Context, id string) (*domain.Session, error) {
	if id != "sess-1" {
		return nil, errors.New("not found")
	}
	return &domain.Session{ID: id, Status: domain.SessionLive}, nil
}

func newFeedServer(t *testing.T, hub *Hub, events *fakeEvents, origins ...string) *httptest.Server {
	t.Helper()
	isDev := len(origins) == 0
	h := NewWebSocketHandler(hub, events, fakeSessions{}, nil, origins, isDev, nil)
	r := chi.NewRouter()
	r.Use(identity.Middleware())
	r.Get("/ws/sessions/{sessionID}/events", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) wsMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func TestWebSocketReplaysBacklogThenStreams(t *testing.T) {
	t.Parallel()
	hub := NewHub(8, nil)
	events := &fakeEvents{events: []domain.Event{
		{SessionID: "sess-1", Seq: 1, Type: domain.EventSessionCreated},
		{SessionID: "sess-1", Seq: 2, Type: domain.EventRoundStarted},
	}}
	srv := newFeedServer(t, hub, events)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/sess-1/events"
	header := http.Header{}
	header.Set(identity.IdentityHeaderName, "iv-1")
	header.Set(identity.RoleHeaderName, "interviewer")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for _, want := range []int64{1, 2} {
		msg := readMessage(t, ctx, conn)
		if msg.Type != "event" || msg.Event.Seq != want {
			t.Fatalf("backlog frame = %+v, want seq %d", msg, want)
		}
	}
	if msg := readMessage(t, ctx, conn); msg.Type != "ready" {
		t.Fatalf("frame = %+v, want ready", msg)
	}

	// Already replayed events are not sent twice.
	hub.Publish(domain.Event{SessionID: "sess-1", Seq: 2, Type: domain.EventRoundStarted})
	hub.Publish(domain.Event{SessionID: "sess-1", Seq: 3, Type: domain.EventInterviewerAction})
	msg := readMessage(t, ctx, conn)
	if msg.Event == nil || msg.Event.Seq != 3 {
		t.Fatalf("live frame = %+v, want seq 3", msg)
	}
}

func TestWebSocketRejectsCandidates(t *testing.T) {
	t.Parallel()
	srv := newFeedServer(t, NewHub(1, nil), &fakeEvents{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ws/sessions/sess-1/events", nil)
	req.Header.Set(identity.IdentityHeaderName, "cand-1")
	req.Header.Set(identity.RoleHeaderName, "candidate")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestWebSocketAcceptsEveryConfiguredOrigin(t *testing.T) {
	t.Parallel()
	events := &fakeEvents{events: []domain.Event{{SessionID: "sess-1", Seq: 1, Type: domain.EventSessionCreated}}}
	srv := newFeedServer(t, NewHub(4, nil), events, "https://panel.example", "https://console.example/")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/sess-1/events"

	dial := func(origin string) (*websocket.Conn, *http.Response, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		header := http.Header{}
		header.Set(identity.IdentityHeaderName, "iv-1")
		header.Set(identity.RoleHeaderName, "interviewer")
		header.Set("Origin", origin)
		return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	}

	for _, origin := range []string{"https://panel.example", "https://console.example"} {
		conn, _, err := dial(origin)
		if err != nil {
			t.Fatalf("Dial(%s) error = %v", origin, err)
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}

	_, resp, err := dial("https://evil.example")
	if err == nil {
		t.Fatal("Dial() from unlisted origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unlisted origin response = %v, want 403", resp)
	}
}
