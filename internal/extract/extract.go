// Package extract turns a document URI into normalized plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/logging"
)

// Result is the normalized text of a document. CharCount counts runes.
type Result struct {
	Text      string
	Format    Format
	CharCount int
}

type Options struct {
	HTTPClient *http.Client
	// MaxFetchBytes caps http(s) downloads. Zero means 50MB.
	MaxFetchBytes int64
	// S3 enables s3:// URIs when its Endpoint is set.
	S3     S3Config
	Logger *zap.Logger
}

type Service struct {
	fetchers map[string]Fetcher
	log      *zap.Logger
}

func NewService(opts Options) (*Service, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.MaxFetchBytes <= 0 {
		opts.MaxFetchBytes = 50 << 20
	}
	hf := httpFetcher{client: opts.HTTPClient, maxBytes: opts.MaxFetchBytes}
	s := &Service{
		fetchers: map[string]Fetcher{
			"":      fileFetcher{},
			"file":  fileFetcher{},
			"http":  hf,
			"https": hf,
		},
		log: logging.OrNop(opts.Logger).Named("extract"),
	}
	if opts.S3.Endpoint != "" {
		sf, err := newS3Fetcher(opts.S3)
		if err != nil {
			return nil, err
		}
		s.fetchers["s3"] = sf
	}
	return s, nil
}

// RegisterFetcher adds or replaces the fetcher for a URI scheme.
func (s *Service) RegisterFetcher(scheme string, f Fetcher) {
	s.fetchers[strings.ToLower(scheme)] = f
}

// Extract fetches uri and parses it according to declaredType, falling back
// to the URI's extension when the declared type is empty. Errors match
// ErrUnsupportedFormat, ErrFetch or ErrParse with errors.Is.
func (s *Service) Extract(ctx context.Context, uri, declaredType string) (Result, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Result{}, &FetchError{URI: uri, Err: err}
	}

	format, ok := DetectFormat(declaredType, u.Path)
	if !ok && declaredType != "" {
		return Result{}, &UnsupportedFormatError{URI: uri, DeclaredType: declaredType}
	}

	fetcher, found := s.fetchers[strings.ToLower(u.Scheme)]
	if !found {
		return Result{}, &FetchError{URI: uri, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	src, err := fetcher.Fetch(ctx, u)
	if err != nil {
		return Result{}, &FetchError{URI: uri, Err: err}
	}
	defer src.Body.Close()

	// Without a declared type or a known extension, trust the source's own type.
	if !ok {
		if format, ok = DetectFormat(src.ContentType, src.Name); !ok {
			return Result{}, &UnsupportedFormatError{URI: uri, DeclaredType: src.ContentType}
		}
	}

	var body io.Reader = src.Body
	size := src.Size
	if format == FormatPDF {
		if _, isRA := src.Body.(io.ReaderAt); !isRA || size <= 0 {
			spooled, n, cleanup, err := spool(src.Body)
			if err != nil {
				return Result{}, classifyReadErr(uri, format, err)
			}
			defer cleanup()
			body, size = spooled, n
		}
	}

	start := time.Now()
	raw, err := parserFor(format)(body, size)
	if err != nil {
		return Result{}, classifyReadErr(uri, format, err)
	}

	text := Normalize(raw)
	s.log.Debug("extracted document",
		zap.String("uri", uri),
		zap.String("format", string(format)),
		zap.Int("chars", utf8.RuneCountInString(text)),
		zap.Duration("elapsed", time.Since(start)))
	return Result{Text: text, Format: format, CharCount: utf8.RuneCountInString(text)}, nil
}

// classifyReadErr separates transport failures that surface while parsing
// from malformed content.
func classifyReadErr(uri string, f Format, err error) error {
	switch {
	case errors.Is(err, errTooLarge), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &FetchError{URI: uri, Err: err}
	case errors.Is(err, io.ErrUnexpectedEOF) && f != FormatJSON && f != FormatPDF:
		return &FetchError{URI: uri, Err: err}
	}
	return &ParseError{URI: uri, Format: f, Err: err}
}

// spool copies r to a temporary file so it can be read at random offsets.
func spool(r io.Reader) (*os.File, int64, func(), error) {
	f, err := os.CreateTemp("", "kbchat-extract-*")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	n, err := io.Copy(f, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	return f, n, cleanup, nil
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Normalize converts line endings to LF, replaces invalid UTF-8, trims
// trailing whitespace on every line and collapses runs of blank lines.
func Normalize(s string) string {
	s = strings.ToValidUTF8(s, "�")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\x00", "")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
