package push_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/push"
)

type captured struct {
	path  string
	topic string
	body  map[string]any
}

func newAPNsServer(t *testing.T, status int, reason string) (*httptest.Server, *[]captured, *sync.Mutex) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, captured{path: r.URL.Path, topic: r.Header.Get("apns-topic"), body: body})
		mu.Unlock()

		w.WriteHeader(status)
		if reason != "" {
			_ = json.NewEncoder(w).Encode(map[string]string{"reason": reason})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs, &mu
}

func TestAPNs_PushSuccess(t *testing.T) {
	srv, reqs, mu := newAPNsServer(t, http.StatusOK, "")

	p, err := push.NewAPNs(push.APNsConfig{
		Host:       srv.URL,
		HTTPClient: srv.Client(),
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewAPNs: %v", err)
	}

	err = p.Push(context.Background(), push.Message{
		DeviceID:     "dev1",
		Token:        "abc123",
		PassTypeID:   "pass.com.example.gold",
		SerialNumber: "TOKEN-42",
		Changed:      map[string]string{"balance": "1000"},
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*reqs))
	}
	got := (*reqs)[0]
	if got.path != "/3/device/abc123" {
		t.Errorf("expected path /3/device/abc123, got %s", got.path)
	}
	if got.topic != "pass.com.example.gold" {
		t.Errorf("expected topic to be the pass type, got %s", got.topic)
	}
	changed, _ := got.body["changed"].(map[string]any)
	if changed["balance"] != "1000" {
		t.Errorf("expected changed balance in payload, got %v", got.body)
	}
}

func TestAPNs_PushRejected(t *testing.T) {
	srv, _, _ := newAPNsServer(t, http.StatusGone, "Unregistered")

	p, err := push.NewAPNs(push.APNsConfig{Host: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewAPNs: %v", err)
	}

	err = p.Push(context.Background(), push.Message{DeviceID: "dev1", Token: "abc", PassTypeID: "p"})
	var de *push.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.StatusCode != http.StatusGone || de.Reason != "Unregistered" {
		t.Errorf("unexpected delivery error %+v", de)
	}
	if !de.Unregistered() {
		t.Error("expected Unregistered() to be true")
	}
}

func TestAPNs_MissingToken(t *testing.T) {
	srv, reqs, mu := newAPNsServer(t, http.StatusOK, "")
	p, _ := push.NewAPNs(push.APNsConfig{Host: srv.URL, HTTPClient: srv.Client()})

	err := p.Push(context.Background(), push.Message{DeviceID: "dev1", PassTypeID: "p"})
	if err == nil || !strings.Contains(err.Error(), "MissingDeviceToken") {
		t.Fatalf("expected MissingDeviceToken, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*reqs) != 0 {
		t.Errorf("expected no request for a missing token, got %d", len(*reqs))
	}
}

func TestNewAPNs_RequiresCertificate(t *testing.T) {
	if _, err := push.NewAPNs(push.APNsConfig{}); err == nil {
		t.Fatal("expected error without certificate or client")
	}
}
