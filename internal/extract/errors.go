package extract

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrFetch             = errors.New("fetch failed")
	ErrParse             = errors.New("parse failed")
)

// UnsupportedFormatError reports a declared type or extension with no parser.
type UnsupportedFormatError struct {
	URI          string
	DeclaredType string
}

func (e *UnsupportedFormatError) Error() string {
	if e.DeclaredType == "" {
		return fmt.Sprintf("unsupported format for %s", e.URI)
	}
	return fmt.Sprintf("unsupported format %q for %s", e.DeclaredType, e.URI)
}

func (e *UnsupportedFormatError) Is(target error) bool { return target == ErrUnsupportedFormat }

// FetchError reports a source that could not be opened or read.
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetching %s: %v", e.URI, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// ParseError reports content that is malformed for its format.
type ParseError struct {
	URI    string
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s as %s: %v", e.URI, e.Format, e.Err)
}
func (e *ParseError) Unwrap() error { return e.Err }
func (e *ParseError) Is(target error) bool { return target == ErrParse }
