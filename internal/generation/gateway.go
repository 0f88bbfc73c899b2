// Package generation streams chat completions from interchangeable
// providers behind one contract.
package generation

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/logging"
	"github.com/kalambet/kbchat/internal/metrics"
)

// Deployment decides the default provider when a request names none.
type Deployment string

const (
	// Offline always uses the local daemon.
	Offline Deployment = "offline"
	// Online prefers the configured cloud provider and falls back to the
	// local daemon when none is registered.
	Online Deployment = "online"
)

// ParseDeployment accepts "online" or "offline"; empty means offline.
func ParseDeployment(s string) (Deployment, error) {
	switch Deployment(strings.ToLower(strings.TrimSpace(s))) {
	case "", Offline:
		return Offline, nil
	case Online:
		return Online, nil
	}
	return "", fmt.Errorf("unknown deployment %q (want online or offline)", s)
}

// Options are per-request generation settings. Zero values fall back to the
// gateway's defaults.
type Options struct {
	Provider    string
	Model       string
	Temperature *float64
	MaxTokens   int
	Deployment  Deployment
}

type GatewayConfig struct {
	Deployment Deployment
	// Local is the provider name used offline and as the online fallback.
	// Defaults to "ollama".
	Local string
	// Cloud is the provider name preferred online.
	Cloud       string
	Temperature float64
	MaxTokens   int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Gateway selects a provider per request and normalizes its output into
// token events.
type Gateway struct {
	cfg GatewayConfig
	log *zap.Logger

	mu        sync.RWMutex
	providers map[string]Provider
}

func NewGateway(cfg GatewayConfig, providers ...Provider) *Gateway {
	if cfg.Deployment == "" {
		cfg.Deployment = Offline
	}
	if cfg.Local == "" {
		cfg.Local = "ollama"
	}
	g := &Gateway{
		cfg:       cfg,
		log:       logging.OrNop(cfg.Logger).Named("generation"),
		providers: make(map[string]Provider),
	}
	for _, p := range providers {
		g.Register(p)
	}
	return g
}

// Register adds or replaces a provider under its name.
func (g *Gateway) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[p.Name()] = p
}

// Providers lists registered provider names.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.providers))
	for n := range g.providers {
		names = append(names, n)
	}
	return names
}

// Select resolves the provider for opts: an explicit provider wins,
// otherwise the deployment decides.
func (g *Gateway) Select(opts Options) (Provider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	name := opts.Provider
	if name == "" {
		dep := opts.Deployment
		if dep == "" {
			dep = g.cfg.Deployment
		}
		switch dep {
		case Offline:
			name = g.cfg.Local
		case Online:
			name = g.cfg.Local
			if _, ok := g.providers[g.cfg.Cloud]; ok && g.cfg.Cloud != "" {
				name = g.cfg.Cloud
			}
		default:
			return nil, fmt.Errorf("unknown deployment %q", dep)
		}
	}
	p, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (g *Gateway) request(p Provider, msgs []Message, opts Options) Request {
	req := Request{
		Model:       opts.Model,
		Messages:    msgs,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}
	if req.Model == "" {
		req.Model = p.DefaultModel()
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	return req
}

// Complete runs a non-streaming generation.
func (g *Gateway) Complete(ctx context.Context, msgs []Message, opts Options) (Result, error) {
	p, err := g.Select(opts)
	if err != nil {
		return Result{}, err
	}
	req := g.request(p, msgs, opts)
	res := Result{Provider: p.Name(), Model: req.Model}

	c, err := p.Complete(ctx, req)
	if err != nil {
		return res, &GenerationProviderError{Provider: p.Name(), Err: err}
	}
	res.Content = c.Content
	g.account(&res, msgs, c.Tokens)
	return res, nil
}

// Stream starts a streaming generation. Provider failures, including a
// failure to connect, arrive as the final event rather than as an error
// here; only selection errors are returned.
func (g *Gateway) Stream(ctx context.Context, msgs []Message, opts Options) (*Stream, error) {
	p, err := g.Select(opts)
	if err != nil {
		return nil, err
	}
	req := g.request(p, msgs, opts)

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{events: make(chan Event), cancel: cancel}
	go g.run(ctx, s, p, req)
	return s, nil
}

// Callbacks is the callback form of a stream. OnError, when set, fires
// before OnComplete for a failed stream; OnComplete always fires with the
// text accumulated so far.
type Callbacks struct {
	OnToken    func(token string)
	OnComplete func(Result)
	OnError    func(error)
}

// StreamCallbacks runs a stream to completion, dispatching its events to cb.
// It blocks until the stream ends and returns its result.
func (g *Gateway) StreamCallbacks(ctx context.Context, msgs []Message, opts Options, cb Callbacks) Result {
	s, err := g.Stream(ctx, msgs, opts)
	if err != nil {
		res := Result{Err: err}
		if cb.OnError != nil {
			cb.OnError(err)
		}
		if cb.OnComplete != nil {
			cb.OnComplete(res)
		}
		return res
	}
	defer s.Cancel()

	for ev := range s.Events() {
		if !ev.Done {
			if cb.OnToken != nil {
				cb.OnToken(ev.Token)
			}
			continue
		}
		if ev.Result.Err != nil && cb.OnError != nil {
			cb.OnError(ev.Result.Err)
		}
		if cb.OnComplete != nil {
			cb.OnComplete(*ev.Result)
		}
	}
	return s.Wait()
}

func (g *Gateway) run(ctx context.Context, s *Stream, p Provider, req Request) {
	defer close(s.events)
	defer s.cancel()
	defer g.cfg.Metrics.StreamStarted()()

	res := Result{Provider: p.Name(), Model: req.Model}
	var content strings.Builder
	usage := 0

	body, err := p.OpenStream(ctx, req)
	switch {
	case err != nil && ctx.Err() != nil:
		res.Cancelled = true
	case err != nil:
		res.Err = &GenerationProviderError{Provider: p.Name(), Err: err}
	default:
		// Closing the body unblocks a pending read as soon as the stream is cancelled.
		stop := context.AfterFunc(ctx, func() { body.Close() })
		usage, res.Cancelled, res.Err = g.pump(ctx, s, p, body, &content)
		stop()
		body.Close()
	}

	res.Content = content.String()
	g.account(&res, req.Messages, usage)
	if res.Err != nil {
		g.log.Warn("stream failed", zap.String("provider", p.Name()), zap.Int("partial_chars", len(res.Content)), zap.Error(res.Err))
	}

	s.result = res
	s.events <- Event{Done: true, Result: &res}
}

// pump forwards decoded tokens until the provider signals completion, the
// stream is cancelled or reading fails.
func (g *Gateway) pump(ctx context.Context, s *Stream, p Provider, body io.Reader, content *strings.Builder) (usage int, cancelled bool, err error) {
	tr, err := newTokenReader(p.Framing(), body)
	if err != nil {
		return 0, false, &GenerationProviderError{Provider: p.Name(), Err: err}
	}
	for {
		ev, err := tr.next()
		if err != nil {
			if ctx.Err() != nil {
				return 0, true, nil
			}
			return 0, false, &GenerationProviderError{Provider: p.Name(), Err: err}
		}
		if ev.text != "" {
			// Content holds only what the consumer received.
			select {
			case s.events <- Event{Token: ev.text}:
				content.WriteString(ev.text)
			case <-ctx.Done():
				return 0, true, nil
			}
		}
		if ev.done {
			return ev.usage, false, nil
		}
	}
}

// account fills token usage, estimating it when the provider reported none.
func (g *Gateway) account(res *Result, msgs []Message, reported int) {
	if reported > 0 {
		res.TokensUsed = reported
	} else {
		chars := utf8.RuneCountInString(res.Content)
		for _, m := range msgs {
			chars += utf8.RuneCountInString(m.Content)
		}
		res.TokensUsed = EstimateTokens(chars)
		res.TokensEstimated = true
	}
	g.cfg.Metrics.Tokens(res.Provider, res.TokensUsed, res.TokensEstimated)
}

// EstimateTokens approximates a token count as ceil(chars/4). It is only a
// rough guide for quota tracking and can be off by a wide margin for
// non-English text or code.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
