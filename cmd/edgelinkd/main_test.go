package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func fakeAdmin(t *testing.T) (*httptest.Server, func() []recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&rec.body)
		mu.Lock()
		calls = append(calls, rec)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"device: unknown device: missing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), calls...)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestClientCommandsHitAdminRoutes(t *testing.T) {
	testlog.Start(t)
	srv, calls := fakeAdmin(t)
	file := filepath.Join(t.TempDir(), "a.txt")

	cases := [][]string{
		{"devices"},
		{"pair", "beta"},
		{"accept", "beta"},
		{"unpair", "beta"},
		{"ping", "beta", "hello"},
		{"share", "beta", file, "--open"},
		{"jobs"},
		{"cancel", "job-1"},
	}
	for _, args := range cases {
		if _, err := run(t, append(args, "--admin", srv.URL)...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}

	got := calls()
	want := []struct{ method, path string }{
		{http.MethodGet, "/devices"},
		{http.MethodPost, "/devices/beta/pair"},
		{http.MethodPost, "/devices/beta/accept"},
		{http.MethodPost, "/devices/beta/unpair"},
		{http.MethodPost, "/devices/beta/ping"},
		{http.MethodPost, "/devices/beta/share"},
		{http.MethodGet, "/jobs"},
		{http.MethodDelete, "/jobs/job-1"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d calls, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].method != w.method || got[i].path != w.path {
			t.Fatalf("call %d: expected %s %s, got %s %s", i, w.method, w.path, got[i].method, got[i].path)
		}
	}
	if got[4].body["message"] != "hello" {
		t.Fatalf("expected ping message, got %v", got[4].body)
	}
	paths, _ := got[5].body["paths"].([]any)
	if len(paths) != 1 || paths[0] != file || got[5].body["open"] != true {
		t.Fatalf("unexpected share body %v", got[5].body)
	}
}

func TestClientReportsAPIErrors(t *testing.T) {
	testlog.Start(t)
	srv, _ := fakeAdmin(t)
	_, err := run(t, "pair", "missing", "--admin", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "unknown device") {
		t.Fatalf("expected api error surfaced, got %v", err)
	}
}

func TestClientSendsToken(t *testing.T) {
	testlog.Start(t)
	srv, calls := fakeAdmin(t)
	if _, err := run(t, "devices", "--admin", srv.URL, "--token", "s3cret"); err != nil {
		t.Fatalf("devices: %v", err)
	}
	got := calls()
	if len(got) != 1 || got[0].auth != "Bearer s3cret" {
		t.Fatalf("expected bearer header, got %+v", got)
	}
}

func TestEventsURL(t *testing.T) {
	testlog.Start(t)
	if got := newAdminClient(":9716", "").eventsURL("pairing."); got != "ws://127.0.0.1:9716/events?kind=pairing." {
		t.Fatalf("unexpected events url %q", got)
	}
	if got := newAdminClient("https://node:1", "").eventsURL(""); got != "wss://node:1/events" {
		t.Fatalf("unexpected tls events url %q", got)
	}
}

func TestIDCommandIsStable(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "edgelink.toml")
	if err := config.WriteTemplate(path, false); err != nil {
		t.Fatalf("write config: %v", err)
	}
	first, err := run(t, "id", "--config", path)
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	second, err := run(t, "id", "--config", path)
	if err != nil {
		t.Fatalf("id again: %v", err)
	}
	if first != second || !strings.Contains(first, "fingerprint:") {
		t.Fatalf("expected stable id output, got %q then %q", first, second)
	}
	if _, err := os.Stat(filepath.Join(dir, ".edgelink", "device_id")); err != nil {
		t.Fatalf("expected persisted device id: %v", err)
	}
}

func TestExplicitMissingConfigFails(t *testing.T) {
	testlog.Start(t)
	if _, err := run(t, "id", "--config", filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
