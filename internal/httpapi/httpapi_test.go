package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/savecontext/savecontext/internal/storage/sqlite"
	"github.com/savecontext/savecontext/internal/types"
)

func newTestAPI(t *testing.T) (*sqlite.Store, http.Handler) {
	t.Helper()
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, New(store).Router()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var parsed map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
	return w.Code, parsed
}

func TestSessionRoutes(t *testing.T) {
	store, h := newTestAPI(t)
	ctx := context.Background()

	sess := &types.Session{Name: "dash", ProjectPath: "/tmp/dash"}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	code, body := doJSON(t, h, http.MethodGet, "/api/sessions", "")
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("list sessions: %d %v", code, body)
	}

	code, _ = doJSON(t, h, http.MethodGet, "/api/sessions/"+sess.ID, "")
	if code != http.StatusOK {
		t.Errorf("get session = %d", code)
	}

	code, body = doJSON(t, h, http.MethodGet, "/api/sessions/nope", "")
	if code != http.StatusNotFound || body["success"] != false {
		t.Errorf("missing session: %d %v", code, body)
	}
}

func TestSaveItemRoute(t *testing.T) {
	store, h := newTestAPI(t)
	ctx := context.Background()

	sess := &types.Session{Name: "dash", ProjectPath: "/tmp/dash"}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	code, _ := doJSON(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/items",
		`{"key":"note","value":"from the dashboard"}`)
	if code != http.StatusCreated {
		t.Fatalf("create item = %d", code)
	}

	// Same key again is an update, not a create.
	code, _ = doJSON(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/items",
		`{"key":"note","value":"edited"}`)
	if code != http.StatusOK {
		t.Errorf("update item = %d", code)
	}

	code, _ = doJSON(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/items", `{"key":"missing-value"}`)
	if code != http.StatusBadRequest {
		t.Errorf("invalid item = %d", code)
	}

	item, err := store.GetContextItem(ctx, sess.ID, "note")
	if err != nil {
		t.Fatalf("GetContextItem failed: %v", err)
	}
	if item.Value != "edited" {
		t.Errorf("value = %q", item.Value)
	}
}

func TestStatsRoute(t *testing.T) {
	_, h := newTestAPI(t)
	code, body := doJSON(t, h, http.MethodGet, "/api/stats", "")
	if code != http.StatusOK || body["success"] != true {
		t.Errorf("stats: %d %v", code, body)
	}
}
