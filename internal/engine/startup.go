package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEngineDown is returned by EnsureReady when the daemon is unreachable.
var ErrEngineDown = errors.New("local inference engine is not running; start it with: ollama serve")

// PullError reports a model that could not be downloaded.
type PullError struct {
	Model string
	Err   error
}

func (e *PullError) Error() string { return fmt.Sprintf("pulling model %s: %v", e.Model, e.Err) }
func (e *PullError) Unwrap() error { return e.Err }

// EnsureReady checks that e is reachable and pulls any of models it lacks.
// Empty names are skipped and a model named twice is checked once. Progress
// goes to w in steps of 25%.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if !e.IsRunning(ctx) {
		return ErrEngineDown
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		key := strings.TrimSuffix(model, ":latest")
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling\n", model)
		if err := e.PullModel(ctx, model, progressPrinter(w)); err != nil {
			return &PullError{Model: model, Err: err}
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

// progressPrinter prints status changes and every fourth of each layer's
// download.
func progressPrinter(w io.Writer) func(PullProgress) {
	lastStatus, lastStep := "", -1
	return func(p PullProgress) {
		if p.Total <= 0 {
			if p.Status != lastStatus {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
			lastStatus, lastStep = p.Status, -1
			return
		}
		step := int(p.Completed * 4 / p.Total)
		if p.Status == lastStatus && step == lastStep {
			return
		}
		lastStatus, lastStep = p.Status, step
		fmt.Fprintf(w, "  %s %d%%\n", p.Status, step*25)
	}
}
