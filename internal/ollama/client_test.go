package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama serves /api/tags with the given models plus whatever routes
// the test adds.
func fakeOllama(t *testing.T, models []string, routes map[string]http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		entries := make([]map[string]string, len(models))
		for i, m := range models {
			entries[i] = map[string]string{"name": m}
		}
		json.NewEncoder(w).Encode(map[string]any{"models": entries})
	})
	for path, h := range routes {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func TestModels(t *testing.T) {
	c := fakeOllama(t, []string{"llama3.2:latest", "nomic-embed-text:v1.5"}, nil)
	ctx := context.Background()

	assert.True(t, c.IsRunning(ctx))

	models, err := c.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:latest", "nomic-embed-text:v1.5"}, models)

	assert.True(t, c.HasModel(ctx, "llama3.2"))
	assert.True(t, c.HasModel(ctx, "nomic-embed-text"))
	assert.True(t, c.HasModel(ctx, "llama3.2:latest"))
	assert.False(t, c.HasModel(ctx, "llama3"))
	assert.False(t, c.HasModel(ctx, "mistral"))
}

func TestIsRunning_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	assert.False(t, c.IsRunning(context.Background()))
	assert.False(t, c.HasModel(context.Background(), "llama3.2"))
}

func TestChat(t *testing.T) {
	var captured chatRequest
	c := fakeOllama(t, nil, map[string]http.HandlerFunc{
		"/api/chat": func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&captured)
			json.NewEncoder(w).Encode(ChatChunk{
				Message:         Message{Role: "assistant", Content: "Paris."},
				Done:            true,
				PromptEvalCount: 12,
				EvalCount:       4,
			})
		},
	})

	out, err := c.Chat(context.Background(), "llama3.2", []Message{{Role: "user", Content: "Capital of France?"}},
		&Options{Temperature: 0.2, NumPredict: 64})
	require.NoError(t, err)
	assert.Equal(t, "Paris.", out.Message.Content)
	assert.Equal(t, 16, out.Tokens())
	assert.False(t, captured.Stream)
	require.NotNil(t, captured.Options)
	assert.Equal(t, 64, captured.Options.NumPredict)
}

func TestChat_ErrorField(t *testing.T) {
	c := fakeOllama(t, nil, map[string]http.HandlerFunc{
		"/api/chat": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":"context length exceeded"}`))
		},
	})
	_, err := c.Chat(context.Background(), "llama3.2", nil, nil)
	assert.EqualError(t, err, "chat: context length exceeded")
}

func TestChatStream(t *testing.T) {
	c := fakeOllama(t, nil, map[string]http.HandlerFunc{
		"/api/chat": func(w http.ResponseWriter, r *http.Request) {
			var req chatRequest
			json.NewDecoder(r.Body).Decode(&req)
			assert.True(t, req.Stream)
			enc := json.NewEncoder(w)
			enc.Encode(ChatChunk{Message: Message{Role: "assistant", Content: "Par"}})
			enc.Encode(ChatChunk{Message: Message{Role: "assistant", Content: "is"}})
			enc.Encode(ChatChunk{Done: true, EvalCount: 2})
		},
	})

	body, err := c.ChatStream(context.Background(), "llama3.2", []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)
	defer body.Close()

	dec := json.NewDecoder(body)
	var text string
	var last ChatChunk
	for {
		var chunk ChatChunk
		if err := dec.Decode(&chunk); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
		text += chunk.Message.Content
		last = chunk
	}
	assert.Equal(t, "Paris", text)
	assert.True(t, last.Done)
	assert.Equal(t, 2, last.Tokens())
}

func TestStatusError(t *testing.T) {
	c := fakeOllama(t, nil, map[string]http.HandlerFunc{
		"/api/chat": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
		},
		"/api/embed": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})

	_, err := c.ChatStream(context.Background(), "missing", nil, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Contains(t, se.Body, "model not found")

	_, err = c.Embed(context.Background(), "nomic-embed-text", "x")
	require.ErrorAs(t, err, &se)
	assert.EqualError(t, se, "ollama: unexpected status 500")
}

func TestEmbed(t *testing.T) {
	c := fakeOllama(t, nil, map[string]http.HandlerFunc{
		"/api/embed": func(w http.ResponseWriter, r *http.Request) {
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, "nomic-embed-text", req["model"])
			assert.Equal(t, "hello world", req["input"])
			json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2, 0.3}}})
		},
	})

	vec, err := c.Embed(context.Background(), "nomic-embed-text", "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbed_Empty(t *testing.T) {
	c := fakeOllama(t, nil, map[string]http.HandlerFunc{
		"/api/embed": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"embeddings":[]}`))
		},
	})
	_, err := c.Embed(context.Background(), "nomic-embed-text", "x")
	assert.EqualError(t, err, "embed: empty embeddings array")
}

func TestPullModel(t *testing.T) {
	c := fakeOllama(t, nil, map[string]http.HandlerFunc{
		"/api/pull": func(w http.ResponseWriter, r *http.Request) {
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, "llama3.2", req["name"])
			enc := json.NewEncoder(w)
			enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
			enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
			enc.Encode(PullProgress{Status: "success"})
		},
	})

	var got []PullProgress
	require.NoError(t, c.PullModel(context.Background(), "llama3.2", func(p PullProgress) { got = append(got, p) }))
	require.Len(t, got, 3)
	assert.Equal(t, int64(500), got[0].Completed)
	assert.Equal(t, "success", got[2].Status)

	require.NoError(t, c.PullModel(context.Background(), "llama3.2", nil))
}
