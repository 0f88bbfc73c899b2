package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Documents *ingest.Documents
	Search    Searcher
	Version   string
}

// NewMCPServer creates an MCP server exposing knowledge base search and
// document ingestion.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"kbchat",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("kbchat: search document knowledge bases and queue documents for ingestion."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge_base",
			mcp.WithDescription("Semantically search a knowledge base and return the most relevant document chunks."),
			mcp.WithString("knowledge_base_id", mcp.Description("Knowledge base to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Queue a document for extraction, chunking and embedding into a knowledge base."),
			mcp.WithString("knowledge_base_id", mcp.Description("Target knowledge base"), mcp.Required()),
			mcp.WithString("source_uri", mcp.Description("file://, http(s):// or s3:// location of the document"), mcp.Required()),
			mcp.WithString("file_name", mcp.Description("Display name; defaults to the last path segment")),
			mcp.WithString("file_type", mcp.Description("MIME type or extension, e.g. application/pdf or md")),
		),
		mcpIngest(deps),
	)

	s.AddTool(
		mcp.NewTool("document_status",
			mcp.WithDescription("Report the ingestion status of a document."),
			mcp.WithString("document_id", mcp.Description("Document ID returned by ingest_document"), mcp.Required()),
		),
		mcpDocumentStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"kb://knowledge-bases",
			"Knowledge Bases",
			mcp.WithResourceDescription("All knowledge bases with their embedding model"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceKnowledgeBases(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kbID, err := req.RequireString("knowledge_base_id")
		if err != nil {
			return mcpError("knowledge_base_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		if _, err := deps.Store.GetKnowledgeBase(ctx, kbID); err != nil {
			return mcpError(fmt.Sprintf("knowledge base %s: %v", kbID, err)), nil
		}
		results, err := deps.Search.Search(ctx, kbID, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpIngest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kbID, err := req.RequireString("knowledge_base_id")
		if err != nil {
			return mcpError("knowledge_base_id is required"), nil
		}
		uri, err := req.RequireString("source_uri")
		if err != nil {
			return mcpError("source_uri is required"), nil
		}

		sub, err := deps.Documents.Submit(ctx, ingest.Upload{
			KnowledgeBaseID: kbID,
			SourceURI:       uri,
			FileName:        req.GetString("file_name", ""),
			FileType:        req.GetString("file_type", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue document: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued document %s (job %s)", sub.Document.ID, sub.JobID)), nil
	}
}

func mcpDocumentStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		doc, err := deps.Store.GetDocument(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("document %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get document: %v", err)), nil
		}

		b, err := json.Marshal(docView(doc))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal document: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceKnowledgeBases(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		kbs, err := deps.Store.ListKnowledgeBases(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
		}
		views := make([]knowledgeBaseView, len(kbs))
		for i := range kbs {
			views[i] = kbView(&kbs[i])
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal knowledge bases: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
