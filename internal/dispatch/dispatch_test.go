package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDispatchSucceedsOnFirstAttempt(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "accepted"})
	}))
	defer srv.Close()

	res := Dispatch(Options{
		TargetURL: srv.URL,
		Token:     "secret-token",
		Payload:   map[string]any{"instruction_id": "i-1"},
		Timeout:   2 * time.Second,
		Retries:   2,
	})
	if !res.OK {
		t.Fatalf("expected ok dispatch, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", res.Attempts)
	}
	if res.Response["status"] != "accepted" {
		t.Fatalf("unexpected response %+v", res.Response)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "done"})
	}))
	defer srv.Close()

	res := Dispatch(Options{
		TargetURL:  srv.URL,
		Payload:    map[string]any{},
		Timeout:    2 * time.Second,
		Retries:    2,
		BackoffSec: 0.01,
	})
	if !res.OK {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestDispatchExhaustsRetriesAndFormatsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	res := Dispatch(Options{
		TargetURL:  srv.URL,
		Payload:    map[string]any{},
		Timeout:    2 * time.Second,
		Retries:    1,
		BackoffSec: 0.01,
	})
	if res.OK {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected retries+1=2 attempts, got %d", res.Attempts)
	}
	if res.Error != "http_502:upstream down" {
		t.Fatalf("unexpected error format %q", res.Error)
	}
}

func TestDispatchFormatsURLError(t *testing.T) {
	res := Dispatch(Options{
		TargetURL:  "http://127.0.0.1:1",
		Payload:    map[string]any{},
		Timeout:    200 * time.Millisecond,
		Retries:    0,
		BackoffSec: 0.01,
	})
	if res.OK {
		t.Fatalf("expected failure connecting to a closed port, got %+v", res)
	}
	if len(res.Error) < len("url_error:") || res.Error[:len("url_error:")] != "url_error:" {
		t.Fatalf("expected a url_error-prefixed error, got %q", res.Error)
	}
}

func TestDispatchMissingTargetURL(t *testing.T) {
	res := Dispatch(Options{Payload: map[string]any{}})
	if res.OK || res.Error != "missing_target_url" {
		t.Fatalf("expected missing_target_url error, got %+v", res)
	}
}
