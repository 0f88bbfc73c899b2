// Package chat runs grounded chat sessions: one streamed answer at a time
// per session, persisted as it completes.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/generation"
	"github.com/kalambet/kbchat/internal/logging"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/storage"
)

var (
	// ErrStreamInFlight rejects a turn while the session is still streaming.
	ErrStreamInFlight = errors.New("a response is already streaming for this session")
	// ErrNothingToRegenerate means the session has no user message to answer again.
	ErrNothingToRegenerate = errors.New("no user message to regenerate")
	ErrEmptyMessage        = errors.New("message text is empty")
)

// Answerer produces a grounded answer stream. *pipeline.Orchestrator
// implements it.
type Answerer interface {
	Answer(ctx context.Context, q pipeline.Query) (*pipeline.Answer, error)
}

type Service struct {
	store    *storage.Store
	answerer Answerer
	log      *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewService(store *storage.Store, answerer Answerer, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		answerer: answerer,
		log:      logging.OrNop(log).Named("chat"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// CreateSession opens a chat session over a knowledge base.
func (s *Service) CreateSession(ctx context.Context, kbID, title string) (*storage.ChatSession, error) {
	if _, err := s.store.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, fmt.Errorf("knowledge base %s: %w", kbID, err)
	}
	sess := storage.ChatSession{ID: uuid.New().String(), KnowledgeBaseID: kbID, Title: title}
	if err := s.store.CreateChatSession(ctx, sess); err != nil {
		return nil, err
	}
	return s.store.GetChatSession(ctx, sess.ID)
}

func (s *Service) Messages(ctx context.Context, sessionID string) ([]storage.ChatMessage, error) {
	if _, err := s.store.GetChatSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListChatMessages(ctx, sessionID)
}

// Usage totals the tokens consumed by a session's answers.
func (s *Service) Usage(ctx context.Context, sessionID string) (int, error) {
	return s.store.SumTokensUsed(ctx, sessionID)
}

// Send stores a user message and starts streaming the answer. It fails with
// ErrStreamInFlight if the session is already answering. A retrieval
// failure is recorded as an inline error message and returned.
func (s *Service) Send(ctx context.Context, sessionID, text string, opts generation.Options) (*Reply, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	sess, err := s.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turnCtx, release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	history, err := s.history(ctx, sessionID, 0)
	if err != nil {
		release()
		return nil, err
	}
	userMsg, err := s.store.AppendChatMessage(ctx, storage.ChatMessage{
		ID: uuid.New().String(), SessionID: sessionID, Role: generation.RoleUser, Content: text,
	})
	if err != nil {
		release()
		return nil, err
	}

	reply, err := s.start(turnCtx, release, sess, text, history, opts)
	if reply != nil {
		reply.UserMessage = &userMsg
	}
	return reply, err
}

// Regenerate discards the session's last assistant message, if any, and
// answers the last user message again.
func (s *Service) Regenerate(ctx context.Context, sessionID string, opts generation.Options) (*Reply, error) {
	sess, err := s.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turnCtx, release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	last, err := s.store.LastChatMessage(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		release()
		return nil, ErrNothingToRegenerate
	}
	if err != nil {
		release()
		return nil, err
	}
	if last.Role == generation.RoleAssistant {
		if err := s.store.DeleteChatMessage(ctx, last.ID); err != nil {
			release()
			return nil, fmt.Errorf("discarding previous answer: %w", err)
		}
		if last, err = s.store.LastChatMessage(ctx, sessionID); err != nil {
			release()
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrNothingToRegenerate
			}
			return nil, err
		}
	}
	if last.Role != generation.RoleUser {
		release()
		return nil, ErrNothingToRegenerate
	}

	history, err := s.history(ctx, sessionID, last.Seq)
	if err != nil {
		release()
		return nil, err
	}
	return s.start(turnCtx, release, sess, last.Content, history, opts)
}

// Cancel stops the session's in-flight answer. The partial answer is kept.
func (s *Service) Cancel(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.inflight[sessionID]
	if ok {
		cancel()
	}
	return ok
}

// Streaming reports whether the session has an answer in flight.
func (s *Service) Streaming(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[sessionID]
	return ok
}

func (s *Service) acquire(ctx context.Context, sessionID string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[sessionID]; busy {
		return nil, nil, ErrStreamInFlight
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.inflight[sessionID] = cancel

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.inflight, sessionID)
			s.mu.Unlock()
			cancel()
		})
	}
	return turnCtx, release, nil
}

// history returns the complete messages of a session preceding seq; a seq of
// zero means all of them.
func (s *Service) history(ctx context.Context, sessionID string, beforeSeq int) ([]generation.Message, error) {
	msgs, err := s.store.ListChatMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []generation.Message
	for _, m := range msgs {
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			break
		}
		if m.Status != storage.MessageComplete || m.Content == "" {
			continue
		}
		out = append(out, generation.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (s *Service) start(ctx context.Context, release func(), sess *storage.ChatSession, text string, history []generation.Message, opts generation.Options) (*Reply, error) {
	// Persisting must outlive a cancelled turn.
	persistCtx := context.WithoutCancel(ctx)

	ans, err := s.answerer.Answer(ctx, pipeline.Query{
		Text:            text,
		KnowledgeBaseID: sess.KnowledgeBaseID,
		History:         history,
		Generation:      opts,
	})
	if err != nil {
		defer release()
		if _, perr := s.store.AppendChatMessage(persistCtx, storage.ChatMessage{
			ID: uuid.New().String(), SessionID: sess.ID, Role: generation.RoleAssistant,
			Status: storage.MessageError, ErrorMessage: err.Error(),
		}); perr != nil {
			s.log.Error("recording failed turn", zap.String("session_id", sess.ID), zap.Error(perr))
		}
		return nil, err
	}

	sources, err := json.Marshal(ans.Metadata.Sources)
	if err != nil {
		ans.Stream.Cancel()
		ans.Stream.Wait()
		release()
		return nil, fmt.Errorf("encoding sources: %w", err)
	}
	msg, err := s.store.AppendChatMessage(persistCtx, storage.ChatMessage{
		ID:               uuid.New().String(),
		SessionID:        sess.ID,
		Role:             generation.RoleAssistant,
		Status:           storage.MessageStreaming,
		ConfidenceBucket: string(ans.Metadata.Confidence.Bucket),
		ConfidenceValue:  ans.Metadata.Confidence.Value,
		Sources:          string(sources),
	})
	if err != nil {
		ans.Stream.Cancel()
		ans.Stream.Wait()
		release()
		return nil, err
	}

	r := &Reply{
		MessageID: msg.ID,
		Metadata:  ans.Metadata,
		events:    make(chan Event),
		cancel:    ans.Stream.Cancel,
	}
	go s.relay(persistCtx, release, r, ans.Stream, msg)
	return r, nil
}

// relay forwards tokens to the reply and finalizes the stored message once
// the stream ends, whatever the reason.
func (s *Service) relay(ctx context.Context, release func(), r *Reply, stream *generation.Stream, msg storage.ChatMessage) {
	defer close(r.events)
	defer release()

	var final generation.Result
	for ev := range stream.Events() {
		if ev.Done {
			final = *ev.Result
			continue
		}
		r.events <- Event{Token: ev.Token}
	}

	msg.Content = final.Content
	msg.Provider = final.Provider
	msg.Model = final.Model
	msg.TokensUsed = final.TokensUsed
	msg.TokensEstimated = final.TokensEstimated
	msg.Status = storage.MessageComplete
	if final.Err != nil {
		msg.Status = storage.MessageError
		msg.ErrorMessage = final.Err.Error()
	}
	if err := s.store.FinalizeChatMessage(ctx, msg); err != nil {
		s.log.Error("finalizing message", zap.String("message_id", msg.ID), zap.Error(err))
	}

	s.log.Debug("turn finished",
		zap.String("session_id", msg.SessionID),
		zap.String("status", string(msg.Status)),
		zap.Bool("cancelled", final.Cancelled),
		zap.Int("tokens", msg.TokensUsed))

	r.final = msg
	r.err = final.Err
	// The session accepts a new turn as soon as the final event is visible.
	release()
	r.events <- Event{Done: true, Message: &r.final, Cancelled: final.Cancelled, Err: final.Err}
}
