package generation

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider    = errors.New("unknown generation provider")
	ErrGenerationProvider = errors.New("generation provider error")
)

// GenerationProviderError reports a network or API failure while talking to
// a provider. A stream that fails this way still delivers its partial text.
type GenerationProviderError struct {
	Provider string
	Err      error
}

func (e *GenerationProviderError) Error() string {
	return fmt.Sprintf("generation provider %s: %v", e.Provider, e.Err)
}

func (e *GenerationProviderError) Unwrap() error        { return e.Err }
func (e *GenerationProviderError) Is(target error) bool { return target == ErrGenerationProvider }
