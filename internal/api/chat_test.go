package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatEnv(t *testing.T) (*testEnv, string) {
	t.Helper()
	env := newTestEnv(t, "")
	env.createKB(t, "kb")
	env.ingest(t, "kb", "Paris is the capital of France.")

	resp := env.do(t, http.MethodPost, "/chat/sessions", map[string]any{"knowledge_base_id": "kb", "title": "geo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return env, decode[sessionView](t, resp).ID
}

func TestChat_StreamsAnswer(t *testing.T) {
	env, sid := newChatEnv(t)

	resp := env.do(t, http.MethodPost, "/chat/sessions/"+sid+"/messages", map[string]any{"content": "What is the capital of France?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Message-Id"))

	events := lines(t, resp)
	require.Len(t, events, 3)
	assert.Equal(t, "Paris", events[0]["token"])
	assert.Equal(t, " is the capital.", events[1]["token"])

	done := events[2]
	assert.Equal(t, true, done["done"])
	assert.Equal(t, "Paris is the capital.", done["content"])
	assert.Equal(t, float64(13), done["tokens_used"])
	assert.Equal(t, false, done["tokens_estimated"])
	assert.Equal(t, resp.Header.Get("X-Message-Id"), done["message_id"])

	conf, ok := done["confidence"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "high", conf["bucket"])
	sources, ok := done["sources"].([]any)
	require.True(t, ok)
	assert.Len(t, sources, 1)

	resp = env.do(t, http.MethodGet, "/chat/sessions/"+sid+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Messages   []messageView `json:"messages"`
		TokensUsed int           `json:"tokens_used"`
		Streaming  bool          `json:"streaming"`
	}](t, resp)
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "user", list.Messages[0].Role)
	assistant := list.Messages[1]
	assert.Equal(t, "assistant", assistant.Role)
	assert.Equal(t, "complete", assistant.Status)
	assert.Equal(t, "Paris is the capital.", assistant.Content)
	require.NotNil(t, assistant.Confidence)
	assert.Equal(t, "high", assistant.Confidence.Bucket)
	assert.Equal(t, 13, list.TokensUsed)
	assert.False(t, list.Streaming)
}

func TestChat_NonStreaming(t *testing.T) {
	env, sid := newChatEnv(t)

	resp := env.do(t, http.MethodPost, "/chat/sessions/"+sid+"/messages", map[string]any{"content": "Where is the tower?", "stream": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decode[messageView](t, resp)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "Paris is the capital.", msg.Content)
	require.NotNil(t, msg.Confidence)
	assert.Equal(t, "low", msg.Confidence.Bucket, "no chunk is relevant to the tower")
}

func TestChat_Regenerate(t *testing.T) {
	env, sid := newChatEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/chat/sessions/"+sid+"/regenerate", nil).StatusCode,
		"nothing to regenerate yet")

	first := lines(t, env.do(t, http.MethodPost, "/chat/sessions/"+sid+"/messages", map[string]any{"content": "Capital of France?"}))
	second := lines(t, env.do(t, http.MethodPost, "/chat/sessions/"+sid+"/regenerate", nil))
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	assert.NotEqual(t, first[len(first)-1]["message_id"], second[len(second)-1]["message_id"])

	list := decode[struct {
		Messages []messageView `json:"messages"`
	}](t, env.do(t, http.MethodGet, "/chat/sessions/"+sid+"/messages", nil))
	require.Len(t, list.Messages, 2, "the previous answer is replaced")
	assert.Equal(t, second[len(second)-1]["message_id"], list.Messages[1].ID)
}

func TestChat_RetrievalFailureInline(t *testing.T) {
	env, sid := newChatEnv(t)
	env.embedder.fail(errors.New("embedder offline"))

	events := lines(t, env.do(t, http.MethodPost, "/chat/sessions/"+sid+"/messages", map[string]any{"content": "Capital of France?"}))
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0]["done"])
	assert.Contains(t, events[0]["error"], "embedder offline")

	list := decode[struct {
		Messages []messageView `json:"messages"`
	}](t, env.do(t, http.MethodGet, "/chat/sessions/"+sid+"/messages", nil))
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "error", list.Messages[1].Status)
	assert.Contains(t, list.Messages[1].ErrorMessage, "embedder offline")

	resp := env.do(t, http.MethodPost, "/chat/sessions/"+sid+"/messages", map[string]any{"content": "again", "stream": false})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestChat_RequestErrors(t *testing.T) {
	env, sid := newChatEnv(t)

	tests := []struct {
		name string
		path string
		body map[string]any
		want int
	}{
		{"unknown session", "/chat/sessions/nope/messages", map[string]any{"content": "hi"}, http.StatusNotFound},
		{"empty content", "/chat/sessions/" + sid + "/messages", map[string]any{"content": ""}, http.StatusBadRequest},
		{"unknown provider", "/chat/sessions/" + sid + "/messages", map[string]any{"content": "hi", "provider": "nope"}, http.StatusBadRequest},
		{"bad deployment", "/chat/sessions/" + sid + "/messages", map[string]any{"content": "hi", "deployment": "orbit"}, http.StatusBadRequest},
		{"session for unknown kb", "/chat/sessions", map[string]any{"knowledge_base_id": "nope"}, http.StatusNotFound},
		{"session without kb", "/chat/sessions", map[string]any{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.do(t, http.MethodPost, tt.path, tt.body).StatusCode)
		})
	}

	resp := env.do(t, http.MethodPost, "/chat/sessions/"+sid+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"cancelled": false}, decode[map[string]bool](t, resp))
}
