package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/methings/agentd/internal/store"
)

func TestClientCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		w.Write([]byte(`{"id":"resp_1","output_text":"hello"}`))
	}))
	defer srv.Close()

	payload, err := NewClient().Call(context.Background(), srv.URL, "sk-test", map[string]interface{}{"model": "m"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if payload["id"] != "resp_1" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_api_key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient().Call(context.Background(), srv.URL, "bad", map[string]interface{}{}, 5*time.Second)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 401 {
		t.Fatalf("err = %v", err)
	}
}

func TestClientRetriesServerError(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	payload, err := NewClient().Call(context.Background(), srv.URL, "k", map[string]interface{}{}, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if payload["ok"] != true || calls != 2 {
		t.Errorf("payload=%+v calls=%d", payload, calls)
	}
}

func TestResolveAPIKey(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "agentd.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("AGENTD_TEST_KEY", "sk-override")

	// Env fallback when the vault is empty.
	if got := ResolveAPIKey(s, "openai_api_key", ""); got != "sk-env" {
		t.Errorf("env fallback = %q", got)
	}
	// Explicit env override beats the conventional name.
	if got := ResolveAPIKey(s, "openai_api_key", "AGENTD_TEST_KEY"); got != "sk-override" {
		t.Errorf("env override = %q", got)
	}
	// The vault row wins over everything.
	if err := s.SetCredential("openai_api_key", "sk-vault"); err != nil {
		t.Fatal(err)
	}
	if got := ResolveAPIKey(s, "openai_api_key", "AGENTD_TEST_KEY"); got != "sk-vault" {
		t.Errorf("vault = %q", got)
	}
	// Unknown credential with no override resolves to nothing.
	if got := ResolveAPIKey(s, "mystery_key", ""); got != "" {
		t.Errorf("unknown = %q", got)
	}
}
