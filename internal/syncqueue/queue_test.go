package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Load(filepath.Join(t.TempDir(), "sync-queue.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return q
}

func TestQueuePersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-queue.json")
	q, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	item, err := q.Enqueue(json.RawMessage(`{"session":"s1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Fatalf("reloaded queue has %d items, want 1", reloaded.Len())
	}
	items := reloaded.All()
	if len(items) != 1 || items[0].ID != item.ID {
		t.Errorf("items = %+v, want the enqueued item", items)
	}
}

func TestEnqueueSchedulesFirstAttempt(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	q.now = func() time.Time { return now }

	item, err := q.Enqueue(json.RawMessage(`{"session":"s1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if item.Retries != 0 {
		t.Errorf("retries = %d, want 0", item.Retries)
	}
	// A new item's first scheduled attempt is one backoff interval out.
	if got := item.NextRetryAt - now.UnixMilli(); got != backoffBase.Milliseconds() {
		t.Errorf("next retry in %dms, want %v", got, backoffBase)
	}
	if len(q.Ready()) != 0 {
		t.Error("fresh item should not be due for the scheduled pass yet")
	}
	if all := q.All(); len(all) != 1 {
		t.Errorf("All returned %d items, want 1", len(all))
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	q.now = func() time.Time { return now }

	item, err := q.Enqueue(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	wantDelays := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second}
	for i, want := range wantDelays {
		dropped, err := q.Fail(item.ID, "network error")
		if err != nil {
			t.Fatalf("Fail %d failed: %v", i, err)
		}
		if dropped {
			t.Fatalf("item dropped after %d failures", i+1)
		}
		got := q.items[0].NextRetryAt - now.UnixMilli()
		if got != want.Milliseconds() {
			t.Errorf("failure %d: delay = %dms, want %v", i+1, got, want)
		}
	}

	// Fifth failure drops the item.
	dropped, err := q.Fail(item.ID, "still down")
	if err != nil {
		t.Fatalf("final Fail failed: %v", err)
	}
	if !dropped || q.Len() != 0 {
		t.Errorf("item should drop on failure %d (dropped=%v, len=%d)", maxRetries, dropped, q.Len())
	}
}

func TestReadyRespectsNextRetry(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	q.now = func() time.Time { return now }

	item, _ := q.Enqueue(json.RawMessage(`{}`))
	if len(q.Ready()) != 0 {
		t.Fatal("fresh item should wait out its first interval")
	}

	q.now = func() time.Time { return now.Add(61 * time.Second) }
	if len(q.Ready()) != 1 {
		t.Fatal("item should be ready after the first interval")
	}

	if _, err := q.Fail(item.ID, "down"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if len(q.Ready()) != 0 {
		t.Error("backed-off item should not be ready")
	}

	q.now = func() time.Time { return now.Add(122 * time.Second) }
	if len(q.Ready()) != 1 {
		t.Error("item should be ready after the backoff window")
	}
}

func TestSyncNowIgnoresSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t)
	if _, err := q.Enqueue(json.RawMessage(`{"session":"s1"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if len(q.Ready()) != 0 {
		t.Fatal("fresh item should not be due yet")
	}

	// An explicit sync uploads the item without waiting for its window.
	p := NewProcessor(q, &HTTPUploader{URL: srv.URL})
	if got := p.SyncNow(context.Background()); got != 1 {
		t.Fatalf("SyncNow synced %d items, want 1", got)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestProcessorClassifiesResponses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantAuth  bool
		remaining int
	}{
		{name: "success removes", status: http.StatusOK, remaining: 0},
		{name: "server error retries", status: http.StatusBadGateway, remaining: 1},
		{name: "client error drops", status: http.StatusUnprocessableEntity, remaining: 0},
		{name: "auth drops and signals", status: http.StatusUnauthorized, wantAuth: true, remaining: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			q := newTestQueue(t)
			if _, err := q.Enqueue(json.RawMessage(`{"session":"s1"}`)); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			p := NewProcessor(q, &HTTPUploader{URL: srv.URL})
			p.SyncNow(context.Background())

			if q.Len() != tc.remaining {
				t.Errorf("queue length = %d, want %d", q.Len(), tc.remaining)
			}
			if p.AuthLost() != tc.wantAuth {
				t.Errorf("AuthLost = %v, want %v", p.AuthLost(), tc.wantAuth)
			}
		})
	}
}

func TestProcessorRetriesOnNetworkError(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Enqueue(json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Nothing listens on this port.
	p := NewProcessor(q, &HTTPUploader{URL: "http://127.0.0.1:1/sync"})
	p.SyncNow(context.Background())

	if q.Len() != 1 {
		t.Fatalf("network failure should keep the item, queue length = %d", q.Len())
	}
	if q.items[0].Retries != 1 {
		t.Errorf("retries = %d, want 1", q.items[0].Retries)
	}
}

func TestProcessorNonReentrant(t *testing.T) {
	q := newTestQueue(t)
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	started := make(chan struct{})
	release := make(chan struct{})
	p := NewProcessor(q, uploaderFunc(func(ctx context.Context, item Item) (Outcome, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return OutcomeRetry, nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.SyncNow(context.Background())
	}()
	<-started

	// The first run holds the slot; this one must bail immediately.
	if got := p.SyncNow(context.Background()); got != 0 {
		t.Errorf("reentrant SyncNow returned %d, want 0", got)
	}
	close(release)
	<-done
}

type uploaderFunc func(ctx context.Context, item Item) (Outcome, error)

func (f uploaderFunc) Upload(ctx context.Context, item Item) (Outcome, error) { return f(ctx, item) }
