package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
	"mitmrelay/internal/store"
)

type fakeBrowser struct {
	started bool
	stopped bool
}

func (b *fakeBrowser) Start(ctx context.Context, targetID string) error {
	b.started = true
	return nil
}
func (b *fakeBrowser) Stop() error {
	b.stopped = true
	return nil
}

func TestProjectCRUDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(logger.Nop(), dir)
	if err != nil {
		t.Fatal(err)
	}
	h := New(logger.Nop(), s, nil, &fakeBrowser{})

	// create
	req := httptest.NewRequest(http.MethodPost, "/api/projects/", strings.NewReader(`{"name":"demo"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got status %d, body %s", w.Code, w.Body.String())
	}

	// list
	req = httptest.NewRequest(http.MethodGet, "/api/projects/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var summaries []model.ProjectSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summaries); err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || summaries[0].Name != "demo" {
		t.Fatalf("got %v", summaries)
	}

	// get
	req = httptest.NewRequest(http.MethodGet, "/api/projects/demo", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get: got status %d", w.Code)
	}

	// delete
	req = httptest.NewRequest(http.MethodDelete, "/api/projects/demo", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: got status %d", w.Code)
	}

	// get after delete -> 404
	req = httptest.NewRequest(http.MethodGet, "/api/projects/demo", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: got status %d", w.Code)
	}
}

func TestBrowserStartStop(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(logger.Nop(), dir)
	if err != nil {
		t.Fatal(err)
	}
	b := &fakeBrowser{}
	h := New(logger.Nop(), s, nil, b)

	req := httptest.NewRequest(http.MethodPost, "/api/browser/start", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !b.started {
		t.Fatalf("start: got status %d, started=%v", w.Code, b.started)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/browser/stop", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !b.stopped {
		t.Fatalf("stop: got status %d, stopped=%v", w.Code, b.stopped)
	}
}
