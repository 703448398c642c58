package menu

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wa-gateway/cache"
)

func newTestFetcher(timeout time.Duration) Fetcher {
	return NewFetcher(timeout, nil, zerolog.Nop())
}

func TestFetch_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("opening hours: 9-17"))
	}))
	defer srv.Close()

	got, ok := newTestFetcher(time.Second).Fetch(context.Background(), srv.URL)
	if !ok {
		t.Fatalf("expected real content, got diagnostic: %q", got)
	}
	if got != "opening hours: 9-17" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestFetch_StatusDiagnostics(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusNotFound, msgNotFound},
		{http.StatusForbidden, msgForbidden},
		{http.StatusInternalServerError, msgServerError},
		{http.StatusBadGateway, msgServerError},
		{http.StatusTeapot, badStatusMsg(http.StatusTeapot)},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		got, ok := newTestFetcher(time.Second).Fetch(context.Background(), srv.URL)
		srv.Close()
		if ok {
			t.Errorf("status %d: expected diagnostic", tt.status)
		}
		if got != tt.want {
			t.Errorf("status %d: got %q, want %q", tt.status, got, tt.want)
		}
		if !strings.Contains(got, Footer) {
			t.Errorf("status %d: diagnostic missing footer", tt.status)
		}
	}
	if !strings.Contains(badStatusMsg(http.StatusTeapot), "418") {
		t.Error("unexpected-status diagnostic must name the status code")
	}
}

func TestFetch_HTMLErrorPageWith200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<!DOCTYPE html><html><body>404 Not Found</body></html>"))
	}))
	defer srv.Close()

	got, ok := newTestFetcher(time.Second).Fetch(context.Background(), srv.URL)
	if ok {
		t.Fatalf("expected html error page diagnostic, got content %q", got)
	}
	if got != msgErrorPage {
		t.Fatalf("got %q, want error-page diagnostic", got)
	}
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	got, ok := newTestFetcher(20 * time.Millisecond).Fetch(context.Background(), srv.URL)
	if ok {
		t.Fatal("expected timeout diagnostic")
	}
	if got != msgTimeout {
		t.Fatalf("got %q, want timeout diagnostic", got)
	}
}

func TestFetch_Unreachable(t *testing.T) {
	got, ok := newTestFetcher(time.Second).Fetch(context.Background(), "http://127.0.0.1:1/none")
	if ok {
		t.Fatal("expected unreachable diagnostic")
	}
	if got != msgUnreachable {
		t.Fatalf("got %q, want unreachable diagnostic", got)
	}
}

func TestFetch_JSONArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"name":"Alice","role":"admin"},{"name":"Bob","role":"user"}]`))
	}))
	defer srv.Close()

	got, ok := newTestFetcher(time.Second).Fetch(context.Background(), srv.URL)
	if !ok {
		t.Fatalf("expected content, got %q", got)
	}
	want := "1. name: Alice\n   role: admin\n\n2. name: Bob\n   role: user"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFetch_JSONObjectAndScalar(t *testing.T) {
	obj := `{"open":"09:00","close":"17:00"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(obj))
	}))
	defer srv.Close()

	got, ok := newTestFetcher(time.Second).Fetch(context.Background(), srv.URL)
	if !ok {
		t.Fatal("expected content")
	}
	if got != "close: 17:00\nopen: 09:00" {
		t.Fatalf("got %q", got)
	}

	if s, ok := formatJSON(`"hello"`); !ok || s != "hello" {
		t.Fatalf("scalar: got %q, %v", s, ok)
	}
	if s, ok := formatJSON(`[1,2]`); !ok || s != "1. 1\n\n2. 2" {
		t.Fatalf("number array: got %q, %v", s, ok)
	}
	if _, ok := formatJSON("not json"); ok {
		t.Fatal("plain text must not be treated as json")
	}
}

func TestFetch_CacheHit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("cached body"))
	}))
	defer srv.Close()

	c := cache.New(10)
	defer c.Stop()
	f := NewFetcher(time.Second, c, zerolog.Nop())

	for i := 0; i < 3; i++ {
		got, ok := f.Fetch(context.Background(), srv.URL)
		if !ok || got != "cached body" {
			t.Fatalf("fetch %d: got %q, %v", i, got, ok)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls)
	}
}
