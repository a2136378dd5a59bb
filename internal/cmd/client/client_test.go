package client

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCommand(t *testing.T, apiURL string, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(func() string { return apiURL })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestQueueEnqueueSendsRequest(t *testing.T) {
	var got struct {
		Type     string          `json:"type"`
		Payload  json.RawMessage `json:"payload"`
		Priority string          `json:"priority"`
		DelayMs  int64           `json:"delayMs"`
	}
	var path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"abc123"}`))
	}))
	defer srv.Close()
	t.Setenv("COURIER_ADMIN_TOKEN", "tok")

	out, err := runCommand(t, srv.URL, "queue", "enqueue",
		"--queue", "email", "--type", "email.send",
		"--payload", `{"to":"a@b"}`, "--priority", "high", "--delay-ms", "250")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if path != "/v1/queues/email/enqueue" {
		t.Fatalf("path: %s", path)
	}
	if auth != "Bearer tok" {
		t.Fatalf("auth header: %q", auth)
	}
	if got.Type != "email.send" || got.Priority != "high" || got.DelayMs != 250 {
		t.Fatalf("request body: %+v", got)
	}
	if !strings.Contains(out, "abc123") {
		t.Fatalf("output: %s", out)
	}
}

func TestQueueEnqueueRejectsBadPayload(t *testing.T) {
	if _, err := runCommand(t, "http://127.0.0.1:0", "queue", "enqueue",
		"--type", "t", "--payload", "not json"); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestDLQListBuildsQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"messages":[],"stats":{"totalMessages":0,"byType":{}},"pagination":{"total":0,"limit":5,"offset":10}}`))
	}))
	defer srv.Close()

	if _, err := runCommand(t, srv.URL, "dlq", "list",
		"--queue", "email", "--limit", "5", "--offset", "10",
		"--filter", `type == "email.send"`); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"queue=email", "limit=5", "offset=10", "filter="} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %q", query, want)
		}
	}
}

func TestDLQReplayFlagValidation(t *testing.T) {
	if _, err := runCommand(t, "http://127.0.0.1:0", "dlq", "replay", "--queue", "email"); err == nil {
		t.Fatal("expected error when neither --id nor --ids is set")
	}
	if _, err := runCommand(t, "http://127.0.0.1:0", "dlq", "replay",
		"--queue", "email", "--id", "a", "--ids", "b,c"); err == nil {
		t.Fatal("expected error when both --id and --ids are set")
	}
}

func TestDLQPurgeRequiresConfirmation(t *testing.T) {
	if _, err := runCommand(t, "http://127.0.0.1:0", "dlq", "purge", "--queue", "email"); err == nil {
		t.Fatal("expected error without --yes")
	}
}

func TestAPIErrorIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"unknown_queue","message":"queue is not configured"}}`))
	}))
	defer srv.Close()

	_, err := runCommand(t, srv.URL, "queue", "stats", "--queue", "nope")
	if err == nil || !strings.Contains(err.Error(), "unknown_queue") {
		t.Fatalf("error: %v", err)
	}
}
