package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &Client{BaseURL: srv.URL, Token: "tok", HTTPClient: &http.Client{Timeout: 5 * time.Second}}
}

func TestClientGet_DecodesAndSendsToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["deploy","manual-plan-0"]`))
	})

	var names []string
	if err := c.get(context.Background(), "/v1/plans", &names); err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(names) != 2 || names[1] != "manual-plan-0" {
		t.Errorf("names = %v", names)
	}
}

func TestClientPost_ErrorBodyIncludesCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"plan deploy is already running","code":"ALREADY_RUNNING"}`))
	})

	err := c.post(context.Background(), "/v1/plans/deploy/start", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"409", "ALREADY_RUNNING", "already running"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestClientGet_PlainErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	err := c.get(context.Background(), "/v1/pod", nil)
	if err == nil || !strings.Contains(err.Error(), "502: boom") {
		t.Errorf("err = %v", err)
	}
}

func TestStateLabel(t *testing.T) {
	if got := stateLabel("IN_PROGRESS"); !strings.Contains(got, "In Progress") {
		t.Errorf("stateLabel(IN_PROGRESS) = %q", got)
	}
	if got := stateLabel(""); !strings.Contains(got, "-") {
		t.Errorf("stateLabel(\"\") = %q", got)
	}
}
