package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	s, err := NewService(opts)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestExtract_Formats(t *testing.T) {
	s := newTestService(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name     string
		file     string
		declared string
		content  string
		want     string
		format   Format
	}{
		{
			name: "plain text by extension", file: "a.txt",
			content: "line one  \r\nline two\r\n\r\n\r\n\r\nend\n",
			want:    "line one\nline two\n\nend", format: FormatText,
		},
		{
			name: "markdown by mime", file: "notes", declared: "text/markdown; charset=utf-8",
			content: "# Title\n\nBody", want: "# Title\n\nBody", format: FormatMarkdown,
		},
		{
			name: "csv rows", file: "t.csv",
			content: "name,qty\napple,3\n\"pear, green\",1\n",
			want:    "name, qty\napple, 3\npear, green, 1", format: FormatCSV,
		},
		{
			name: "json leaves", file: "d.json",
			content: `{"title":"Doc","tags":["x","y"],"n":3,"nested":{"k":"v"},"skip":null}`,
			want:    "n: 3\nnested.k: v\ntags[0]: x\ntags[1]: y\ntitle: Doc", format: FormatJSON,
		},
		{
			name: "html visible text", file: "p.html",
			content: `<html><head><title>T</title><style>p{}</style></head>` +
				`<body><h1>Hello</h1><p>World <b>bold</b></p><script>var a = 1;</script></body></html>`,
			want: "Hello\n\nWorld bold", format: FormatHTML,
		},
		{
			name: "declared extension wins over name", file: "page.txt", declared: "htm",
			content: "<p>x</p>", want: "x", format: FormatHTML,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, tt.file, tt.content)
			res, err := s.Extract(ctx, "file://"+p, tt.declared)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Text)
			assert.Equal(t, tt.format, res.Format)
			assert.Equal(t, len([]rune(tt.want)), res.CharCount)
		})
	}
}

func TestExtract_BarePath(t *testing.T) {
	s := newTestService(t, Options{})
	p := writeFile(t, "a.md", "héllo wörld")

	res, err := s.Extract(context.Background(), p, "")
	require.NoError(t, err)
	assert.Equal(t, "héllo wörld", res.Text)
	assert.Equal(t, 11, res.CharCount, "char count is in runes")
}

func TestExtract_Errors(t *testing.T) {
	s := newTestService(t, Options{})
	ctx := context.Background()

	_, err := s.Extract(ctx, "file://"+writeFile(t, "a.zip", "PK"), "")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = s.Extract(ctx, "file://"+writeFile(t, "a.txt", "x"), "application/zip")
	var uf *UnsupportedFormatError
	require.ErrorAs(t, err, &uf)
	assert.Equal(t, "application/zip", uf.DeclaredType)

	_, err = s.Extract(ctx, "file:///definitely/not/here.txt", "")
	assert.ErrorIs(t, err, ErrFetch)

	_, err = s.Extract(ctx, "gopher://example.com/a.txt", "")
	assert.ErrorIs(t, err, ErrFetch)

	_, err = s.Extract(ctx, "file://"+writeFile(t, "bad.json", `{"a": `), "")
	assert.ErrorIs(t, err, ErrParse)

	_, err = s.Extract(ctx, "file://"+writeFile(t, "two.json", `{"a":1} {"b":2}`), "")
	assert.ErrorIs(t, err, ErrParse)

	_, err = s.Extract(ctx, "file://"+writeFile(t, "fake.pdf", "this is not a pdf"), "")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, FormatPDF, pe.Format)
}

func TestExtract_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/doc":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte("<p>remote <i>page</i></p>"))
		case "/big.txt":
			w.Write([]byte(strings.Repeat("a", 2048)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := newTestService(t, Options{HTTPClient: srv.Client(), MaxFetchBytes: 1024})
	ctx := context.Background()

	res, err := s.Extract(ctx, srv.URL+"/doc", "")
	require.NoError(t, err)
	assert.Equal(t, "remote page", res.Text)
	assert.Equal(t, FormatHTML, res.Format)

	_, err = s.Extract(ctx, srv.URL+"/missing.txt", "")
	assert.ErrorIs(t, err, ErrFetch)

	_, err = s.Extract(ctx, srv.URL+"/big.txt", "")
	assert.ErrorIs(t, err, ErrFetch)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		declared, name string
		want           Format
		ok             bool
	}{
		{"application/pdf", "", FormatPDF, true},
		{"PDF", "", FormatPDF, true},
		{".CSV", "", FormatCSV, true},
		{"", "Report.HTML", FormatHTML, true},
		{"application/octet-stream", "a.json", FormatJSON, true},
		{"image/png", "a.txt", "", false},
		{"", "noext", "", false},
		{"text/;;", "a.txt", "", false},
	}
	for _, tt := range tests {
		got, ok := DetectFormat(tt.declared, tt.name)
		assert.Equal(t, tt.ok, ok, "%q/%q", tt.declared, tt.name)
		assert.Equal(t, tt.want, got, "%q/%q", tt.declared, tt.name)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb", Normalize("a\r\nb"))
	assert.Equal(t, "a\nb", Normalize("a\rb"))
	assert.Equal(t, "a�b", Normalize("a\xffb"))
	assert.Equal(t, "a\n\nb", Normalize("  \na   \n\n\n\n\nb\t \n"))
	assert.Equal(t, "", Normalize(" \n\t"))
}
