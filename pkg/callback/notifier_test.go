package callback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotifySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Fatalf("unexpected authorization header %q", auth)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["deployment_id"] != "dep-1" {
			t.Fatalf("unexpected deployment_id %v", payload["deployment_id"])
		}
		if payload["stage"] != "succeeded" {
			t.Fatalf("expected stage to default to status, got %v", payload["stage"])
		}
		if payload["address"] != "172.18.0.2:3000" {
			t.Fatalf("unexpected address %v", payload["address"])
		}
		if _, ok := payload["error"]; ok {
			t.Fatalf("successful status must not carry an error")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	notifier, err := NewNotifier(srv.URL, " secret ", nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	status := Status{DeploymentID: "dep-1", Project: "demo", Status: "succeeded", ContainerID: "abc", Address: "172.18.0.2:3000", ProxyKind: "nginx"}
	if err := notifier.Notify(context.Background(), status); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func TestNotifyUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	notifier, err := NewNotifier(srv.URL, "", &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	err = notifier.Notify(context.Background(), Status{DeploymentID: "dep-1"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestNotifyRequiresDeploymentID(t *testing.T) {
	notifier, err := NewNotifier("https://hooks.example.com/deploy", "", nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), Status{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNewNotifierRequiresURL(t *testing.T) {
	if _, err := NewNotifier("  ", "", nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}
