package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.JobClaimed("ingest_document")
	m.JobFinished("ingest_document", "completed")
	m.ObserveStage("extract", time.Now())
	m.ChunkResults(3, 1)
	m.Tokens("ollama", 10, true)
	m.Confidence("high")
	m.StreamStarted()()
}

func TestCounters(t *testing.T) {
	m := New("kbchat-test", false)

	m.JobFinished("ingest_document", "retry")
	m.JobFinished("ingest_document", "retry")
	m.Tokens("openrouter", 42, false)
	m.ChunkResults(2, 1)

	assert.InDelta(t, 2, testutil.ToFloat64(m.jobsFinished.WithLabelValues("ingest_document", "retry")), 0)
	assert.InDelta(t, 42, testutil.ToFloat64(m.genTokens.WithLabelValues("openrouter", "false")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.chunks.WithLabelValues("dropped")), 0)

	done := m.StreamStarted()
	assert.InDelta(t, 1, testutil.ToFloat64(m.activeStreams), 0)
	done()
	assert.InDelta(t, 0, testutil.ToFloat64(m.activeStreams), 0)
}

func TestHandlerExposesServiceLabel(t *testing.T) {
	m := New("kbchat-test", false)
	m.Confidence("low")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), `kbchat_retrieval_confidence_total{bucket="low",service="kbchat-test"} 1`)
}
