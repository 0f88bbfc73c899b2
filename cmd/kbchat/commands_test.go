package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useClient points every command at ts for the duration of the test.
func useClient(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

var ctx = context.Background()

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}

	client.token = ""
	resp, err = client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ts.requests[1].Auth != "" {
		t.Errorf("auth = %q, want no header without a token", ts.requests[1].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/structured":
			w.WriteHeader(401)
			w.Write([]byte(`{"error":{"message":"unauthorized","type":"authentication_error"}}`))
		default:
			w.WriteHeader(502)
			w.Write([]byte("bad gateway\n"))
		}
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}

	resp, err := client.get(ctx, "/structured")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if err.Error() != "server returned 401: unauthorized" {
		t.Errorf("error = %q", err.Error())
	}

	resp, err = client.get(ctx, "/plain")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	err = decodeJSON(resp, &result)
	if err == nil || err.Error() != "server returned 502: bad gateway" {
		t.Errorf("error = %v, want raw body", err)
	}
}

func TestSourceURI(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(file, []byte("# notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := sourceURI(file)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "file://") || !strings.HasSuffix(got, "/notes.md") {
		t.Errorf("sourceURI(%q) = %q, want a file:// URI", file, got)
	}

	for _, uri := range []string{"https://example.com/a.html", "s3://bucket/key.csv", "file:///tmp/x.txt"} {
		got, err := sourceURI(uri)
		if err != nil || got != uri {
			t.Errorf("sourceURI(%q) = %q, %v; want it unchanged", uri, got, err)
		}
	}

	if _, err := sourceURI(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for a missing local file")
	}
}

func TestIngestCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /knowledge-bases/handbook/documents": `{"document":{"id":"doc-1","file_name":"faq.html","status":"uploaded"},"job_id":"job-1"}`,
	})
	useClient(t, ts)

	_, err := execute(t, "ingest", "handbook", "https://example.com/faq.html", "--priority", "3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["source_uri"] != "https://example.com/faq.html" {
		t.Errorf("source_uri = %v", body["source_uri"])
	}
	if body["priority"] != float64(3) {
		t.Errorf("priority = %v, want 3", body["priority"])
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	_, err := execute(t, "ingest", "handbook")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "accepts 2 arg(s)") {
		t.Errorf("error = %q, want an argument count error", err.Error())
	}
}

func TestKBListCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /knowledge-bases": `[{"id":"handbook","name":"Handbook","embedding_model":"ollama/nomic-embed-text","embedding_dim":768}]`,
	})
	useClient(t, ts)

	out, err := execute(t, "--no-color", "kb", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "handbook  Handbook  (ollama/nomic-embed-text, dim 768)") {
		t.Errorf("output = %q", out)
	}
}

func TestSearchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /knowledge-bases/handbook/search": `{"results":[{"chunk_id":"c1","document_id":"d1","chunk_text":"Paris is the capital.","chunk_index":0,"file_name":"geo.txt","similarity":0.91}]}`,
	})
	useClient(t, ts)

	out, err := execute(t, "--no-color", "search", "handbook", "capital", "of", "France", "--top-k", "2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Result 1 [similarity: 0.910] geo.txt #0") {
		t.Errorf("output = %q", out)
	}

	var body map[string]any
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if body["query"] != "capital of France" || body["top_k"] != float64(2) {
		t.Errorf("body = %v", body)
	}
}

func TestClientStream(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat/sessions/s1/messages": "{\"token\":\"Paris\"}\n\n{\"token\":\" is the capital.\"}\n" +
			`{"done":true,"message_id":"m1","content":"Paris is the capital.","tokens_used":13,` +
			`"confidence":{"bucket":"high","value":86},"sources":[{"file_name":"geo.txt","chunk_index":0,"similarity":0.9}]}` + "\n",
	})

	var out bytes.Buffer
	p := &streamPrinter{out: &out, sources: true}
	if err := ts.client().stream(ctx, "/chat/sessions/s1/messages", map[string]any{"content": "capital?"}, p.handle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "Paris is the capital.\n  - geo.txt #0 (0.900)\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestClientStream_HTTPError(t *testing.T) {
	ts := newTestServer(t, nil)

	err := ts.client().stream(ctx, "/chat/sessions/missing/messages", map[string]any{"content": "x"},
		func([]byte) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want a 404", err)
	}
}

func TestStreamPrinter_InlineError(t *testing.T) {
	var out bytes.Buffer
	p := &streamPrinter{out: &out}

	if err := p.handle([]byte(`{"token":"partial"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := p.handle([]byte(`{"error":"retrieval failed: embedding: provider down","done":true,"message_id":"m1"}`))
	if !errors.Is(err, errTurnFailed) {
		t.Fatalf("error = %v, want errTurnFailed", err)
	}
	if !strings.Contains(err.Error(), "provider down") {
		t.Errorf("error = %q, want the server message", err.Error())
	}
	if out.String() != "partial\n" {
		t.Errorf("output = %q", out.String())
	}

	if err := p.handle([]byte("not json")); err == nil {
		t.Error("expected a decode error")
	}
}

func TestWaitForDocument(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "processing"
		if calls.Add(1) >= 3 {
			status = "processed"
		}
		w.Write([]byte(`{"id":"doc-1","status":"` + status + `","chunk_count":4}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	doc, err := waitForDocument(ctx, client, "doc-1", time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Status != "processed" || doc.ChunkCount != 4 {
		t.Errorf("doc = %+v", doc)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestWaitForDocument_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"doc-1","status":"uploaded"}`))
	}))
	defer srv.Close()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	_, err := waitForDocument(cctx, client, "doc-1", 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error once the context expires")
	}
}

func TestNoColorFlag(t *testing.T) {
	defer setNoColor(true)

	setNoColor(true)
	if got := colorize(red, "error"); got != "error" {
		t.Errorf("colorize with color disabled = %q, want plain text", got)
	}

	setNoColor(false)
	if got := colorize(red, "error"); !strings.Contains(got, "\x1b[") {
		t.Errorf("colorize with color enabled = %q, want ANSI codes", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 10); got != "héllo" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate long = %q", got)
	}
}
