package api

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/kbchat/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := newTestEnv(t, "")
	env.createKB(t, "kb")
	return MCPDeps{Store: env.store, Documents: env.docs, Search: env.orch}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_IngestAndStatus(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	ctx := context.Background()

	p := filepath.Join(t.TempDir(), "france.md")
	require.NoError(t, os.WriteFile(p, []byte("# France\n\nParis is the capital of France."), 0o644))

	result, err := mcpIngest(deps)(ctx, makeCallToolRequest("ingest_document", map[string]any{
		"knowledge_base_id": "kb",
		"source_uri":        "file://" + p,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))
	require.True(t, strings.HasPrefix(toolText(t, result), "Queued document "))

	docs, err := env.store.ListDocuments(ctx, "kb", 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "france.md", docs[0].FileName)

	status := func() documentView {
		res, err := mcpDocumentStatus(deps)(ctx, makeCallToolRequest("document_status", map[string]any{"document_id": docs[0].ID}))
		require.NoError(t, err)
		require.False(t, res.IsError, toolText(t, res))
		var v documentView
		require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &v))
		return v
	}
	assert.Equal(t, string(storage.DocUploaded), status().Status)

	ran, err := env.disp.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, string(storage.DocProcessed), status().Status)
	assert.Equal(t, 1, status().ChunkCount)

	result, err = mcpSearch(deps)(ctx, makeCallToolRequest("search_knowledge_base", map[string]any{
		"knowledge_base_id": "kb",
		"query":             "capital of France",
		"limit":             3,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))
	var hits []map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &hits))
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0]["chunk_text"], "Paris is the capital")
}

func TestMCPTool_Errors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
		want    string
	}{
		{"search without query", mcpSearch(deps), map[string]any{"knowledge_base_id": "kb"}, "query is required"},
		{"search unknown kb", mcpSearch(deps), map[string]any{"knowledge_base_id": "nope", "query": "x"}, "knowledge base nope"},
		{"ingest without uri", mcpIngest(deps), map[string]any{"knowledge_base_id": "kb"}, "source_uri is required"},
		{"ingest unknown kb", mcpIngest(deps), map[string]any{"knowledge_base_id": "nope", "source_uri": "file:///a.txt"}, "failed to queue"},
		{"status unknown doc", mcpDocumentStatus(deps), map[string]any{"document_id": "nope"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.handler(ctx, makeCallToolRequest("tool", tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, toolText(t, res), tt.want)
		})
	}
}

func TestMCPTool_SearchEmpty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	res, err := mcpSearch(deps)(context.Background(), makeCallToolRequest("search_knowledge_base", map[string]any{
		"knowledge_base_id": "kb",
		"query":             "anything",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "[]", toolText(t, res))
}

func TestMCPResource_KnowledgeBases(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	contents, err := mcpResourceKnowledgeBases(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "kb://knowledge-bases"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"name":"Geography"`)
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	assert.NotNil(t, NewMCPServer(deps))
}
