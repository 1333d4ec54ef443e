package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"darkpool/pkg/types"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(quietLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func TestWebSocketReceivesBroadcast(t *testing.T) {
	t.Parallel()
	hub := newHub(t)
	handlers := &Handlers{hub: hub, logger: quietLogger()}

	srv := httptest.NewServer(http.HandlerFunc(handlers.HandleWebSocket))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	// Registration goes through the hub loop; give it a beat before
	// broadcasting so the client is in the set.
	time.Sleep(50 * time.Millisecond)

	matchID := uuid.New()
	hub.BroadcastEvent(Event{
		Type:      "settlement",
		Timestamp: time.Now().UTC(),
		Data:      types.SettlementEvent{MatchID: matchID, Status: types.SettleSettled},
	})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt struct {
		Type string `json:"type"`
		Data types.SettlementEvent `json:"data"`
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != "settlement" || evt.Data.MatchID != matchID {
		t.Errorf("event = %+v", evt)
	}
}

func TestConsumeMatchesFansOutToSubscribers(t *testing.T) {
	t.Parallel()
	hub := newHub(t)

	sub, cancel := hub.Subscribe()
	defer cancel()

	feed := make(chan types.MatchEvent, 2)
	first := types.MatchEvent{Match: types.Match{ID: uuid.New()}}
	second := types.MatchEvent{Match: types.Match{ID: uuid.New()}}
	feed <- first
	feed <- second
	close(feed)
	hub.ConsumeMatches(feed)

	for i, want := range []types.MatchEvent{first, second} {
		select {
		case got := <-sub:
			if got.Match.ID != want.Match.ID {
				t.Errorf("event %d = %s, want %s", i, got.Match.ID, want.Match.ID)
			}
		default:
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	hub := newHub(t)

	sub, cancel := hub.Subscribe()
	defer cancel()

	// More events than the subscriber buffer holds; ConsumeMatches must
	// finish anyway.
	feed := make(chan types.MatchEvent, 100)
	for i := 0; i < 100; i++ {
		feed <- types.MatchEvent{Match: types.Match{ID: uuid.New()}}
	}
	close(feed)

	done := make(chan struct{})
	go func() {
		hub.ConsumeMatches(feed)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeMatches blocked on slow subscriber")
	}

	if got := len(sub); got != cap(sub) {
		t.Errorf("buffered events = %d, want full buffer %d", got, cap(sub))
	}
}

func TestSubscribeCancelCloses(t *testing.T) {
	t.Parallel()
	hub := newHub(t)

	sub, cancel := hub.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-sub; ok {
		t.Error("channel still open after cancel")
	}

	// Later feeds must not panic on the removed subscriber.
	feed := make(chan types.MatchEvent, 1)
	feed <- types.MatchEvent{Match: types.Match{ID: uuid.New()}}
	close(feed)
	hub.ConsumeMatches(feed)
}
