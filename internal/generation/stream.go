package generation

import "context"

// Event is one item of a token stream. Token events carry text; the last
// event has Done set and carries the final Result.
type Event struct {
	Token  string
	Done   bool
	Result *Result
}

// Result is the outcome of a generation. Content holds whatever was produced
// before completion, cancellation or failure. TokensEstimated marks a
// ceil(chars/4) estimate rather than provider-reported usage.
type Result struct {
	Content         string
	Provider        string
	Model           string
	TokensUsed      int
	TokensEstimated bool
	Cancelled       bool
	Err             error
}

// Stream is a single-consumer token stream. Consumers must either range over
// Events until it closes or call Wait.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
	result Result
}

func (s *Stream) Events() <-chan Event { return s.events }

// Cancel stops reading from the provider. The stream still ends with a Done
// event holding the partial content.
func (s *Stream) Cancel() { s.cancel() }

// Wait drains remaining events and returns the final result.
func (s *Stream) Wait() Result {
	for range s.events {
	}
	return s.result
}
