package generation

import (
	"context"
	"io"

	"github.com/kalambet/kbchat/internal/ollama"
	"github.com/kalambet/kbchat/internal/proxy"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a fully resolved generation request for one provider.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is a provider's non-streaming answer. Tokens is zero when the
// provider does not report usage.
type Completion struct {
	Content string
	Tokens  int
}

// Provider is one generation backend. OpenStream returns the raw response
// body, framed as Framing reports; the gateway decodes it.
type Provider interface {
	Name() string
	DefaultModel() string
	Framing() Framing
	Complete(ctx context.Context, req Request) (Completion, error)
	OpenStream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// OllamaProvider serves generation from the local Ollama daemon.
type OllamaProvider struct {
	client *ollama.Client
	model  string
}

func NewOllamaProvider(client *ollama.Client, model string) *OllamaProvider {
	return &OllamaProvider{client: client, model: model}
}

func (p *OllamaProvider) Name() string         { return "ollama" }
func (p *OllamaProvider) DefaultModel() string { return p.model }
func (p *OllamaProvider) Framing() Framing     { return FramingNDJSON }

func (p *OllamaProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	chunk, err := p.client.Chat(ctx, req.Model, toOllama(req.Messages), ollamaOptions(req))
	if err != nil {
		return Completion{}, err
	}
	return Completion{Content: chunk.Message.Content, Tokens: chunk.Tokens()}, nil
}

func (p *OllamaProvider) OpenStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	return p.client.ChatStream(ctx, req.Model, toOllama(req.Messages), ollamaOptions(req))
}

func ollamaOptions(req Request) *ollama.Options {
	return &ollama.Options{Temperature: req.Temperature, NumPredict: req.MaxTokens}
}

func toOllama(msgs []Message) []ollama.Message {
	out := make([]ollama.Message, len(msgs))
	for i, m := range msgs {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// CloudProvider serves generation from an OpenAI-compatible API.
type CloudProvider struct {
	name   string
	client *proxy.Client
	model  string
}

// NewCloudProvider registers client under name, e.g. "openrouter" or "openai".
func NewCloudProvider(name string, client *proxy.Client, model string) *CloudProvider {
	return &CloudProvider{name: name, client: client, model: model}
}

func (p *CloudProvider) Name() string         { return p.name }
func (p *CloudProvider) DefaultModel() string { return p.model }
func (p *CloudProvider) Framing() Framing     { return FramingSSE }

func (p *CloudProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	resp, err := p.client.Complete(ctx, cloudRequest(req))
	if err != nil {
		return Completion{}, err
	}
	c := Completion{Content: resp.Content()}
	if resp.Usage != nil {
		c.Tokens = resp.Usage.TotalTokens
	}
	return c, nil
}

func (p *CloudProvider) OpenStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	return p.client.ChatStream(ctx, cloudRequest(req))
}

func cloudRequest(req Request) proxy.ChatRequest {
	msgs := make([]proxy.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	temp := req.Temperature
	return proxy.ChatRequest{Model: req.Model, Messages: msgs, Temperature: &temp, MaxTokens: req.MaxTokens}
}
