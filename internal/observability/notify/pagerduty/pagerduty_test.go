package pagerduty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/target/review-pulse/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when routing key missing")
	}
}

func TestBuildEventDefaults(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := client.buildEvent(notify.JobFailurePayload{
		JobID:    "123",
		FileName: "reviews.xlsx",
		Code:     "analysis_timeout",
		Error:    "hard budget exceeded",
		Metadata: map[string]string{"job_id": "ignored", "region": "us"},
	})

	section, ok := event["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if section["severity"] != notify.SeverityCritical {
		t.Fatalf("expected default severity, got %v", section["severity"])
	}
	if section["source"] != "review-pulse" {
		t.Fatalf("expected default source, got %v", section["source"])
	}
	if section["summary"] != "Review analysis job 123 failed (analysis_timeout)" {
		t.Fatalf("unexpected summary %v", section["summary"])
	}

	custom, ok := section["custom_details"].(map[string]any)
	if !ok {
		t.Fatalf("expected custom details")
	}
	if custom["job_id"] != "123" {
		t.Fatalf("metadata must not override job_id, got %v", custom["job_id"])
	}
	if custom["region"] != "us" || custom["file_name"] != "reviews.xlsx" {
		t.Fatalf("unexpected custom details %v", custom)
	}
	if event["dedup_key"] != "reviewpulse:job:123" {
		t.Fatalf("unexpected dedup key %v", event["dedup_key"])
	}
}

func TestSendJobFailurePostsToEndpoint(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "key", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "j1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["routing_key"] != "key" || got["event_action"] != "trigger" {
		t.Fatalf("unexpected event %v", got)
	}
}
