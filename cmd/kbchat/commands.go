package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kalambet/kbchat/internal/config"
	"github.com/kalambet/kbchat/internal/queue"
	"github.com/kalambet/kbchat/internal/storage"
)

type knowledgeBase struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	EmbeddingModel string `json:"embedding_model"`
	EmbeddingDim   int    `json:"embedding_dim"`
}

type document struct {
	ID              string `json:"id"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	SourceURI       string `json:"source_uri"`
	FileName        string `json:"file_name"`
	Status          string `json:"status"`
	ChunkCount      int    `json:"chunk_count"`
	CharacterCount  int    `json:"character_count"`
	ErrorMessage    string `json:"error_message"`
}

type submission struct {
	Document document `json:"document"`
	JobID    string   `json:"job_id"`
}

type job struct {
	ID          string `json:"id"`
	Type        string `json:"job_type"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Error       string `json:"error"`
}

type source struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	FileName   string  `json:"file_name"`
	Text       string  `json:"chunk_text"`
	Similarity float64 `json:"similarity"`
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// --- kb ---

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage knowledge bases",
}

var kbCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/knowledge-bases", map[string]any{"id": id, "name": args[0]})
		if err != nil {
			return err
		}
		var kb knowledgeBase
		if err := decodeJSON(resp, &kb); err != nil {
			return err
		}
		printSuccess("Created knowledge base %s (%s)", kb.Name, kb.ID)
		return nil
	},
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge bases",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/knowledge-bases")
		if err != nil {
			return err
		}
		var kbs []knowledgeBase
		if err := decodeJSON(resp, &kbs); err != nil {
			return err
		}
		if len(kbs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No knowledge bases found.")
			return nil
		}
		for _, kb := range kbs {
			dim := "unset"
			if kb.EmbeddingDim > 0 {
				dim = fmt.Sprintf("%d", kb.EmbeddingDim)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  (%s, dim %s)\n",
				colorize(cyan, kb.ID), kb.Name, kb.EmbeddingModel, dim)
		}
		return nil
	},
}

func init() {
	kbCreateCmd.Flags().String("id", "", "knowledge base id (generated when empty)")
	kbCmd.AddCommand(kbCreateCmd)
	kbCmd.AddCommand(kbListCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <kb-id> <file-or-uri>",
	Short: "Submit a document for ingestion",
	Long: `Submit a document for ingestion.

Local paths are sent as file:// URIs and must be readable by the server.

Examples:
  kbchat ingest handbook ./docs/handbook.pdf --wait
  kbchat ingest handbook https://example.com/faq.html
  kbchat ingest handbook s3://bucket/reports/q3.csv --priority 5`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		fileType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetInt("priority")
		wait, _ := cmd.Flags().GetBool("wait")

		uri, err := sourceURI(args[1])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		resp, err := client.post(ctx, "/knowledge-bases/"+url.PathEscape(args[0])+"/documents", map[string]any{
			"source_uri": uri,
			"file_name":  name,
			"file_type":  fileType,
			"priority":   priority,
		})
		if err != nil {
			return err
		}
		var sub submission
		if err := decodeJSON(resp, &sub); err != nil {
			return err
		}
		printSuccess("Queued %s as document %s (job %s)", sub.Document.FileName, sub.Document.ID, sub.JobID)
		if !wait {
			return nil
		}

		doc, err := waitForDocument(ctx, client, sub.Document.ID, time.Second)
		if err != nil {
			return err
		}
		if doc.Status == string(storage.DocFailed) {
			return fmt.Errorf("ingestion failed: %s", doc.ErrorMessage)
		}
		printSuccess("Processed %d chunks (%d characters)", doc.ChunkCount, doc.CharacterCount)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("name", "", "display file name (default: last path segment)")
	ingestCmd.Flags().String("type", "", "declared MIME type or extension")
	ingestCmd.Flags().Int("priority", 0, "job priority; higher runs first")
	ingestCmd.Flags().Bool("wait", false, "wait until the document is processed or failed")
}

// sourceURI turns a local path into an absolute file:// URI and passes
// anything with a scheme through unchanged.
func sourceURI(arg string) (string, error) {
	if u, err := url.Parse(arg); err == nil && len(u.Scheme) > 1 {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", arg, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("reading %s: %w", arg, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// waitForDocument polls until the document reaches a terminal status.
func waitForDocument(ctx context.Context, client *apiClient, id string, every time.Duration) (*document, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		resp, err := client.get(ctx, "/documents/"+url.PathEscape(id))
		if err != nil {
			return nil, err
		}
		var doc document
		if err := decodeJSON(resp, &doc); err != nil {
			return nil, err
		}
		switch doc.Status {
		case string(storage.DocProcessed), string(storage.DocFailed):
			return &doc, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Inspect and manage documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list <kb-id>",
	Short: "List the documents of a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd),
			fmt.Sprintf("/knowledge-bases/%s/documents?limit=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}
		var docs []document
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No documents found.")
			return nil
		}
		for _, d := range docs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  %4d chunks  %s\n",
				colorize(cyan, d.ID), colorize(statusColor(d.Status), d.Status), d.ChunkCount, d.FileName)
		}
		return nil
	},
}

var docsShowCmd = &cobra.Command{
	Use:   "show <document-id>",
	Short: "Show a document's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), doc)
	},
}

var docsReprocessCmd = &cobra.Command{
	Use:   "reprocess <document-id>",
	Short: "Re-run ingestion for a processed or failed document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/documents/"+url.PathEscape(args[0])+"/reprocess", nil)
		if err != nil {
			return err
		}
		var sub submission
		if err := decodeJSON(resp, &sub); err != nil {
			return err
		}
		printSuccess("Requeued document %s (job %s)", sub.Document.ID, sub.JobID)
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(commandContext(cmd), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	docsListCmd.Flags().Int("limit", 50, "maximum number of documents to list")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsShowCmd)
	docsCmd.AddCommand(docsReprocessCmd)
	docsCmd.AddCommand(docsDeleteCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage background jobs",
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var j any
		if err := decodeJSON(resp, &j); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), j)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var j job
		if err := decodeJSON(resp, &j); err != nil {
			return err
		}
		printSuccess("Job %s is %s", j.ID, j.Status)
		return nil
	},
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs older than the retention period",
	Long: `Delete completed, failed and cancelled jobs older than the retention
period. Runs against the local data directory; the server does the same
periodically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if olderThan <= 0 {
			olderThan = cfg.Retention()
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := queue.New(store, queue.Options{}).Cleanup(commandContext(cmd), olderThan)
		if err != nil {
			return err
		}
		printSuccess("Removed %d jobs older than %s", n, olderThan)
		return nil
	},
}

func init() {
	jobsCleanupCmd.Flags().Duration("older-than", 0, "retention period (default queue.retention)")
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsCleanupCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <kb-id> <query>",
	Short: "Search a knowledge base without generating an answer",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")
		query := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/knowledge-bases/"+url.PathEscape(args[0])+"/search",
			map[string]any{"query": query, "top_k": topK})
		if err != nil {
			return err
		}
		var out struct {
			Results []source `json:"results"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if len(out.Results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
			return nil
		}
		for i, r := range out.Results {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s [similarity: %.3f] %s #%d\n",
				colorize(bold, fmt.Sprintf("Result %d", i+1)), r.Similarity, r.FileName, r.ChunkIndex)
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", truncate(r.Text, 500))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("top-k", 5, "maximum number of results")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <kb-id> [question]",
	Short: "Ask questions grounded in a knowledge base",
	Long: `Ask questions grounded in a knowledge base.

With a question, runs a single turn. Without one, reads questions from
stdin until EOF. Answers stream as they are generated.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		provider, _ := cmd.Flags().GetString("provider")
		model, _ := cmd.Flags().GetString("model")
		deployment, _ := cmd.Flags().GetString("deployment")
		showSources, _ := cmd.Flags().GetBool("sources")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)

		if sessionID == "" {
			resp, err := client.post(ctx, "/chat/sessions", map[string]any{"knowledge_base_id": args[0]})
			if err != nil {
				return err
			}
			var sess struct {
				ID string `json:"id"`
			}
			if err := decodeJSON(resp, &sess); err != nil {
				return err
			}
			sessionID = sess.ID
			printStep("session %s", sessionID)
		}

		turn := func(question string) error {
			body := map[string]any{"content": question, "provider": provider, "model": model, "deployment": deployment}
			p := &streamPrinter{out: cmd.OutOrStdout(), sources: showSources}
			return client.stream(ctx, "/chat/sessions/"+url.PathEscape(sessionID)+"/messages", body, p.handle)
		}

		if len(args) == 2 {
			return turn(args[1])
		}

		sc := bufio.NewScanner(cmd.InOrStdin())
		fmt.Fprint(cmd.ErrOrStderr(), colorize(bold, "> "))
		for sc.Scan() {
			q := strings.TrimSpace(sc.Text())
			if q != "" {
				if err := turn(q); err != nil {
					printError("%v", err)
				}
			}
			fmt.Fprint(cmd.ErrOrStderr(), colorize(bold, "> "))
		}
		fmt.Fprintln(cmd.ErrOrStderr())
		return sc.Err()
	},
}

func init() {
	chatCmd.Flags().String("session", "", "continue an existing chat session")
	chatCmd.Flags().String("provider", "", "generation provider (default: by deployment)")
	chatCmd.Flags().String("model", "", "model override")
	chatCmd.Flags().String("deployment", "", "online or offline (default: server setting)")
	chatCmd.Flags().Bool("sources", false, "list the retrieved sources after each answer")
}

// chatEvent is the union of the NDJSON lines a chat turn streams.
type chatEvent struct {
	Token      string   `json:"token"`
	Done       bool     `json:"done"`
	Error      string   `json:"error"`
	MessageID  string   `json:"message_id"`
	Cancelled  bool     `json:"cancelled"`
	TokensUsed int      `json:"tokens_used"`
	Sources    []source `json:"sources"`
	Confidence struct {
		Bucket string `json:"bucket"`
		Value  int    `json:"value"`
	} `json:"confidence"`
}

var errTurnFailed = errors.New("turn failed")

// streamPrinter renders a streamed chat turn.
type streamPrinter struct {
	out     io.Writer
	sources bool
}

func (p *streamPrinter) handle(line []byte) error {
	var ev chatEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return fmt.Errorf("decoding stream: %w", err)
	}
	if ev.Token != "" {
		fmt.Fprint(p.out, ev.Token)
	}
	if !ev.Done {
		return nil
	}
	fmt.Fprintln(p.out)
	if ev.Error != "" {
		return fmt.Errorf("%w: %s", errTurnFailed, ev.Error)
	}
	if ev.Cancelled {
		printWarning("cancelled")
	}
	printStatus("Confidence", "%s (%d)", colorize(confidenceColor(ev.Confidence.Bucket), ev.Confidence.Bucket), ev.Confidence.Value)
	if p.sources {
		for _, s := range ev.Sources {
			fmt.Fprintf(p.out, "  - %s #%d (%.3f)\n", s.FileName, s.ChunkIndex, s.Similarity)
		}
	}
	return nil
}

func confidenceColor(bucket string) *color.Color {
	switch bucket {
	case "high":
		return green
	case "medium":
		return yellow
	default:
		return red
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(bold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
