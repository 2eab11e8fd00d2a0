package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientDecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid reason"}`))
	}))
	defer srv.Close()

	old := serverAddr
	serverAddr = srv.URL
	defer func() { serverAddr = old }()

	err := newClient().get(context.Background(), "/v1/status", nil)
	if err == nil || err.Error() != "invalid reason" {
		t.Fatalf("expected API error message, got %v", err)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	old := serverAddr
	serverAddr = srv.URL
	defer func() { serverAddr = old }()
	t.Setenv("STOCKMESH_AUTH_TOKEN", "hunter2")

	if err := newClient().get(context.Background(), "/v1/status", nil); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "Bearer hunter2" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{":4222", "0.0.0.0", 4222, false},
		{"127.0.0.1:4333", "127.0.0.1", 4333, false},
		{"4222", "0.0.0.0", 4222, false},
		{"nope", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := splitHostPort(tt.addr)
		if tt.wantErr {
			if err == nil {
				t.Errorf("splitHostPort(%q): expected error", tt.addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitHostPort(%q): %v", tt.addr, err)
			continue
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("splitHostPort(%q) = %s:%d, want %s:%d", tt.addr, host, port, tt.wantHost, tt.wantPort)
		}
	}
}
