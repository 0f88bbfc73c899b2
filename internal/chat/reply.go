package chat

import (
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/storage"
)

// Event is one item of a streamed reply. The last event has Done set and
// carries the stored assistant message; Err is the provider failure, if
// any, already recorded on that message.
type Event struct {
	Token     string
	Done      bool
	Cancelled bool
	Message   *storage.ChatMessage
	Err       error
}

// Reply is an assistant answer being streamed. Consumers must range over
// Events until it closes or call Wait.
type Reply struct {
	// UserMessage is the stored question; nil for a regenerated answer.
	UserMessage *storage.ChatMessage
	MessageID   string
	Metadata    pipeline.Metadata

	events chan Event
	cancel func()
	final  storage.ChatMessage
	err    error
}

func (r *Reply) Events() <-chan Event { return r.events }

// Cancel stops generation; the partial answer is still stored.
func (r *Reply) Cancel() { r.cancel() }

// Wait drains the reply and returns the stored assistant message.
func (r *Reply) Wait() (storage.ChatMessage, error) {
	for range r.events {
	}
	return r.final, r.err
}
