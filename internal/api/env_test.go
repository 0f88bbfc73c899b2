package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/kbchat/internal/chat"
	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/extract"
	"github.com/kalambet/kbchat/internal/generation"
	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/metrics"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/queue"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

// keywordEmbedder maps text onto a fixed vocabulary, one dimension per word.
type keywordEmbedder struct {
	mu  sync.Mutex
	err error
}

var vocab = []string{"capital", "france", "paris", "tower"}

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	k.mu.Lock()
	err := k.err
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	vec := make([]float32, len(vocab))
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) }) {
		for i, v := range vocab {
			if w == v {
				vec[i]++
			}
		}
	}
	return vec, nil
}

func (k *keywordEmbedder) Model() string { return "test/keywords" }

func (k *keywordEmbedder) fail(err error) {
	k.mu.Lock()
	k.err = err
	k.mu.Unlock()
}

// answerProvider streams "Paris is the capital." reporting 10+3 tokens.
type answerProvider struct{}

func (answerProvider) Name() string                { return "ollama" }
func (answerProvider) DefaultModel() string        { return "llama3.2" }
func (answerProvider) Framing() generation.Framing { return generation.FramingNDJSON }
func (answerProvider) Complete(context.Context, generation.Request) (generation.Completion, error) {
	return generation.Completion{Content: "Paris is the capital."}, nil
}

func (answerProvider) OpenStream(context.Context, generation.Request) (io.ReadCloser, error) {
	body := `{"message":{"content":"Paris"},"done":false}
{"message":{"content":" is the capital."},"done":false}
{"message":{"content":""},"done":true,"prompt_eval_count":10,"eval_count":3}
`
	return io.NopCloser(strings.NewReader(body)), nil
}

type testEnv struct {
	srv      *httptest.Server
	store    *storage.Store
	queue    *queue.Queue
	disp     *queue.Dispatcher
	docs     *ingest.Documents
	orch     *pipeline.Orchestrator
	embedder *keywordEmbedder
	token    string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	st.SetBackoff(func(int) time.Duration { return 0 })

	emb := &keywordEmbedder{}
	vectors := retrieval.NewSQLiteStore(st.DB(), st)
	q := queue.New(st, queue.Options{})
	d := queue.NewDispatcher(q, queue.DispatcherOptions{})
	ex, err := extract.NewService(extract.Options{})
	require.NoError(t, err)
	d.Register(ingest.JobType, ingest.NewWorker(st, ex, retrieval.NewGenerator(emb, 2, nil), vectors, ingest.Config{}))

	orch := pipeline.NewOrchestrator(
		retrieval.NewRetriever(retrieval.NewEmbedder(emb, 0), vectors),
		composer.New(2000),
		generation.NewGateway(generation.GatewayConfig{}, answerProvider{}),
		pipeline.Config{},
	)
	docs := ingest.NewDocuments(st, q, vectors)

	srv := httptest.NewServer(NewHandler(Deps{
		Store:     st,
		Queue:     q,
		Documents: docs,
		Chat:      chat.NewService(st, orch, nil),
		Search:    orch,
		Running:   d,
		Metrics:   metrics.New("kbchat_test", false),
		Token:     token,
	}))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, queue: q, disp: d, docs: docs, orch: orch, embedder: emb, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// lines decodes a newline-delimited JSON response.
func lines(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "line %q", sc.Text())
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func (e *testEnv) createKB(t *testing.T, id string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/knowledge-bases", map[string]any{"id": id, "name": "Geography"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// ingest submits a text document and runs its job to completion.
func (e *testEnv) ingest(t *testing.T, kbID, text string) documentView {
	t.Helper()
	p := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(p, []byte(text), 0o644))

	resp := e.do(t, http.MethodPost, fmt.Sprintf("/knowledge-bases/%s/documents", kbID), map[string]any{"source_uri": "file://" + p})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sub := decode[submissionView](t, resp)

	ran, err := e.disp.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	doc, err := e.store.GetDocument(context.Background(), sub.Document.ID)
	require.NoError(t, err)
	require.Equal(t, storage.DocProcessed, doc.Status, doc.ErrorMessage)
	return docView(doc)
}
