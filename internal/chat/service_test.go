package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/kbchat/internal/confidence"
	"github.com/kalambet/kbchat/internal/generation"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

// testProvider streams either a fixed NDJSON body or whatever the test
// writes to a pipe.
type testProvider struct {
	body string
	pipe *io.PipeReader
}

func (p *testProvider) Name() string                { return "ollama" }
func (p *testProvider) DefaultModel() string        { return "llama3.2" }
func (p *testProvider) Framing() generation.Framing { return generation.FramingNDJSON }
func (p *testProvider) Complete(context.Context, generation.Request) (generation.Completion, error) {
	return generation.Completion{}, errors.New("not used")
}

func (p *testProvider) OpenStream(context.Context, generation.Request) (io.ReadCloser, error) {
	if p.pipe != nil {
		return p.pipe, nil
	}
	return io.NopCloser(strings.NewReader(p.body)), nil
}

func ndjson(tokens ...string) string {
	var sb strings.Builder
	for _, t := range tokens {
		fmt.Fprintf(&sb, "{\"message\":{\"content\":%q},\"done\":false}\n", t)
	}
	sb.WriteString(`{"message":{"content":""},"done":true,"prompt_eval_count":4,"eval_count":2}` + "\n")
	return sb.String()
}

type fakeAnswerer struct {
	gw  *generation.Gateway
	err error

	mu      sync.Mutex
	queries []pipeline.Query
}

func (f *fakeAnswerer) Answer(ctx context.Context, q pipeline.Query) (*pipeline.Answer, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, err := f.gw.Stream(ctx, []generation.Message{{Role: generation.RoleUser, Content: q.Text}}, q.Generation)
	if err != nil {
		return nil, err
	}
	return &pipeline.Answer{Stream: s, Metadata: pipeline.Metadata{
		Confidence: confidence.Score{Bucket: confidence.High, Value: 91},
		Sources:    []retrieval.Result{{ChunkID: "c1", DocumentID: "d1", Text: "fact", Similarity: 0.9}},
	}}, nil
}

func (f *fakeAnswerer) lastQuery() pipeline.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func newTestService(t *testing.T, p *testProvider) (*Service, *fakeAnswerer, string) {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CreateKnowledgeBase(context.Background(), storage.KnowledgeBase{ID: "kb", Name: "kb"}))

	ans := &fakeAnswerer{gw: generation.NewGateway(generation.GatewayConfig{}, p)}
	svc := NewService(st, ans, nil)
	sess, err := svc.CreateSession(context.Background(), "kb", "test")
	require.NoError(t, err)
	return svc, ans, sess.ID
}

func collect(t *testing.T, r *Reply) (string, Event) {
	t.Helper()
	var sb strings.Builder
	var final Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				require.True(t, final.Done, "reply closed without a done event")
				return sb.String(), final
			}
			if ev.Done {
				final = ev
				continue
			}
			sb.WriteString(ev.Token)
		case <-timeout:
			t.Fatal("reply did not finish")
		}
	}
}

func TestSend_StreamsAndPersists(t *testing.T) {
	svc, _, sid := newTestService(t, &testProvider{body: ndjson("Paris", " it is.")})
	ctx := context.Background()

	reply, err := svc.Send(ctx, sid, "Capital of France?", generation.Options{})
	require.NoError(t, err)
	require.NotNil(t, reply.UserMessage)
	assert.Equal(t, confidence.High, reply.Metadata.Confidence.Bucket)

	text, final := collect(t, reply)
	assert.Equal(t, "Paris it is.", text)
	require.NotNil(t, final.Message)
	assert.Equal(t, storage.MessageComplete, final.Message.Status)
	assert.NoError(t, final.Err)

	msgs, err := svc.Messages(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Capital of France?", msgs[0].Content)
	assistant := msgs[1]
	assert.Equal(t, "assistant", assistant.Role)
	assert.Equal(t, "Paris it is.", assistant.Content)
	assert.Equal(t, storage.MessageComplete, assistant.Status)
	assert.Equal(t, "high", assistant.ConfidenceBucket)
	assert.Equal(t, 91, assistant.ConfidenceValue)
	assert.Contains(t, assistant.Sources, `"chunk_id":"c1"`)
	assert.Equal(t, 6, assistant.TokensUsed)
	assert.False(t, assistant.TokensEstimated)

	used, err := svc.Usage(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 6, used)
}

func TestSend_HistoryCarriesPriorTurns(t *testing.T) {
	svc, ans, sid := newTestService(t, &testProvider{body: ndjson("one")})
	ctx := context.Background()

	r, err := svc.Send(ctx, sid, "first", generation.Options{})
	require.NoError(t, err)
	_, err = r.Wait()
	require.NoError(t, err)

	r, err = svc.Send(ctx, sid, "second", generation.Options{})
	require.NoError(t, err)
	_, err = r.Wait()
	require.NoError(t, err)

	q := ans.lastQuery()
	assert.Equal(t, "second", q.Text)
	assert.Equal(t, "kb", q.KnowledgeBaseID)
	assert.Equal(t, []generation.Message{
		{Role: generation.RoleUser, Content: "first"},
		{Role: generation.RoleAssistant, Content: "one"},
	}, q.History)
}

func TestSend_SingleFlight(t *testing.T) {
	pr, pw := io.Pipe()
	svc, _, sid := newTestService(t, &testProvider{pipe: pr})
	ctx := context.Background()

	reply, err := svc.Send(ctx, sid, "slow question", generation.Options{})
	require.NoError(t, err)
	assert.True(t, svc.Streaming(sid))

	_, err = svc.Send(ctx, sid, "impatient", generation.Options{})
	assert.ErrorIs(t, err, ErrStreamInFlight)
	_, err = svc.Regenerate(ctx, sid, generation.Options{})
	assert.ErrorIs(t, err, ErrStreamInFlight)

	go func() {
		io.WriteString(pw, ndjson("done"))
		pw.Close()
	}()
	_, err = reply.Wait()
	require.NoError(t, err)
	assert.False(t, svc.Streaming(sid))

	msgs, err := svc.Messages(ctx, sid)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "rejected messages are not stored")
}

func TestCancel_KeepsPartialAnswer(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	svc, _, sid := newTestService(t, &testProvider{pipe: pr})
	ctx := context.Background()

	reply, err := svc.Send(ctx, sid, "long answer please", generation.Options{})
	require.NoError(t, err)
	go fmt.Fprintln(pw, `{"message":{"content":"Once upon"},"done":false}`)

	ev := <-reply.Events()
	require.Equal(t, "Once upon", ev.Token)
	assert.True(t, svc.Cancel(sid))

	_, final := collect(t, reply)
	assert.True(t, final.Cancelled)
	assert.Equal(t, "Once upon", final.Message.Content)
	assert.Equal(t, storage.MessageComplete, final.Message.Status)

	msgs, err := svc.Messages(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon", msgs[1].Content)
	assert.Equal(t, storage.MessageComplete, msgs[1].Status)
	assert.False(t, svc.Cancel(sid), "nothing left to cancel")
}

func TestSend_ProviderFailureFinalizesMessage(t *testing.T) {
	body := `{"message":{"content":"Half an"},"done":false}` + "\n" + `{"error":"model unloaded"}` + "\n"
	svc, _, sid := newTestService(t, &testProvider{body: body})
	ctx := context.Background()

	reply, err := svc.Send(ctx, sid, "q", generation.Options{})
	require.NoError(t, err)
	msg, err := reply.Wait()
	assert.ErrorIs(t, err, generation.ErrGenerationProvider)
	assert.Equal(t, storage.MessageError, msg.Status)

	msgs, err := svc.Messages(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Half an", msgs[1].Content)
	assert.Equal(t, storage.MessageError, msgs[1].Status)
	assert.Contains(t, msgs[1].ErrorMessage, "model unloaded")
	assert.False(t, svc.Streaming(sid))
}

func TestSend_RetrievalErrorIsInline(t *testing.T) {
	svc, ans, sid := newTestService(t, &testProvider{body: ndjson("x")})
	ans.err = &retrieval.RetrievalError{Stage: "embed", Err: errors.New("embedding service down")}
	ctx := context.Background()

	_, err := svc.Send(ctx, sid, "q", generation.Options{})
	assert.ErrorIs(t, err, retrieval.ErrRetrieval)
	assert.False(t, svc.Streaming(sid))

	msgs, err := svc.Messages(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.MessageError, msgs[1].Status)
	assert.Contains(t, msgs[1].ErrorMessage, "embedding service down")

	// The failed answer is not replayed as history.
	ans.err = nil
	r, err := svc.Send(ctx, sid, "again", generation.Options{})
	require.NoError(t, err)
	r.Wait()
	assert.Equal(t, []generation.Message{{Role: generation.RoleUser, Content: "q"}}, ans.lastQuery().History)
}

func TestRegenerate(t *testing.T) {
	svc, ans, sid := newTestService(t, &testProvider{body: ndjson("answer")})
	ctx := context.Background()

	_, err := svc.Regenerate(ctx, sid, generation.Options{})
	assert.ErrorIs(t, err, ErrNothingToRegenerate)

	r, err := svc.Send(ctx, sid, "question", generation.Options{})
	require.NoError(t, err)
	first, err := r.Wait()
	require.NoError(t, err)

	r, err = svc.Regenerate(ctx, sid, generation.Options{})
	require.NoError(t, err)
	assert.Nil(t, r.UserMessage)
	second, err := r.Wait()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	q := ans.lastQuery()
	assert.Equal(t, "question", q.Text)
	assert.Empty(t, q.History)

	msgs, err := svc.Messages(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "the previous answer is discarded")
	assert.Equal(t, second.ID, msgs[1].ID)
}

func TestSend_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, &testProvider{body: ndjson("x")})
	ctx := context.Background()

	_, err := svc.Send(ctx, "missing", "hi", generation.Options{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.Send(ctx, "missing", "", generation.Options{})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.CreateSession(ctx, "no-such-kb", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
