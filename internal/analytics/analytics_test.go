package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/scoutforge/scoutd/config"
)

func TestTrack_DeliversToHTTPEndpoint(t *testing.T) {
	var mu sync.Mutex
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.AnalyticsConfig{BaseURL: srv.URL, APIKey: "key", BufferSize: 8, Timeout: 2 * time.Second}
	sink := New(cfg, nil)
	sink.Track("scout.completed", map[string]interface{}{"scout_id": "s1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := received
		mu.Unlock()
		if got != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil || received["event"] != "scout.completed" {
		t.Fatalf("expected delivered event, got %+v", received)
	}
}

func TestTrack_DropsWhenBufferFull(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.AnalyticsConfig{BaseURL: srv.URL, APIKey: "key", BufferSize: 1, Timeout: 5 * time.Second}
	sink := New(cfg, nil)

	sink.Track("first", nil) // drained immediately by the background goroutine, blocking on the server
	time.Sleep(20 * time.Millisecond)
	sink.Track("second", nil) // fills the buffer
	sink.Track("third", nil)  // buffer full, dropped -- must not block or panic

	close(blocked)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
