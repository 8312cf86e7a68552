package calendar_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/attenda-ai/attenda/internal/calendar"
)

func TestAvailability(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth, gotMin string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotMin = r.URL.Query().Get("min_duration_minutes")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"slots":[{"start":"2026-08-25T09:00:00Z","end":"2026-08-25T10:00:00Z"}]}`))
	}))
	defer srv.Close()

	c, err := calendar.New(srv.URL, "key-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	slots, err := c.Availability(context.Background(), start, start.Add(24*time.Hour), 30*time.Minute)
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("got %d slots, want 1", len(slots))
	}
	if slots[0].Start.Hour() != 9 {
		t.Errorf("slot = %+v", slots[0])
	}
	if gotPath != "/v1/availability" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer key-1" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotMin != "30" {
		t.Errorf("min_duration_minutes = %q", gotMin)
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"events":[{"id":"e1","title":"Dentist","start":"2026-08-26T14:00:00Z","end":"2026-08-26T15:00:00Z"}]}`))
	}))
	defer srv.Close()

	c, _ := calendar.New(srv.URL, "")
	start := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	events, err := c.Events(context.Background(), start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Dentist" {
		t.Errorf("events = %+v", events)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := calendar.New(srv.URL, "bad-key")
	if _, err := c.Events(context.Background(), time.Now(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
}
