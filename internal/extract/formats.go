package extract

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatCSV      Format = "csv"
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

var mimeFormats = map[string]Format{
	"text/plain":       FormatText,
	"text/markdown":    FormatMarkdown,
	"text/x-markdown":  FormatMarkdown,
	"text/csv":         FormatCSV,
	"application/json": FormatJSON,
	"text/html":        FormatHTML,
	"application/pdf":  FormatPDF,
}

var extFormats = map[string]Format{
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".csv":      FormatCSV,
	".json":     FormatJSON,
	".html":     FormatHTML,
	".htm":      FormatHTML,
	".pdf":      FormatPDF,
}

// DetectFormat resolves the format from the declared type, which may be a
// MIME type or a file extension with or without the dot. An empty or generic
// declared type falls back to the extension of name.
func DetectFormat(declared, name string) (Format, bool) {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared != "" && declared != "application/octet-stream" {
		if strings.Contains(declared, "/") {
			mt, _, err := mime.ParseMediaType(declared)
			if err != nil {
				return "", false
			}
			f, ok := mimeFormats[mt]
			return f, ok
		}
		if !strings.HasPrefix(declared, ".") {
			declared = "." + declared
		}
		f, ok := extFormats[declared]
		return f, ok
	}
	f, ok := extFormats[strings.ToLower(path.Ext(name))]
	return f, ok
}

type parser func(r io.Reader, size int64) (string, error)

func parserFor(f Format) parser {
	switch f {
	case FormatText, FormatMarkdown:
		return parsePlain
	case FormatCSV:
		return parseCSV
	case FormatJSON:
		return parseJSON
	case FormatHTML:
		return parseHTML
	case FormatPDF:
		return parsePDF
	}
	return nil
}

func parsePlain(r io.Reader, _ int64) (string, error) {
	var b strings.Builder
	if _, err := io.Copy(&b, bufio.NewReader(r)); err != nil {
		return "", err
	}
	return b.String(), nil
}

// parseCSV renders each record as one line with fields separated by ", ".
func parseCSV(r io.Reader, _ int64) (string, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var b strings.Builder
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		b.WriteString(strings.Join(rec, ", "))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// parseJSON flattens string, number and bool leaves into "path: value" lines.
// Object keys are visited in sorted order.
func parseJSON(r io.Reader, _ int64) (string, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", errors.New("trailing data after JSON value")
	}

	var b strings.Builder
	flattenJSON(&b, "", v)
	return b.String(), nil
}

func flattenJSON(b *strings.Builder, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenJSON(b, p, t[k])
		}
	case []any:
		for i, item := range t {
			flattenJSON(b, fmt.Sprintf("%s[%d]", prefix, i), item)
		}
	case nil:
	default:
		if prefix != "" {
			b.WriteString(prefix)
			b.WriteString(": ")
		}
		fmt.Fprint(b, t)
		b.WriteByte('\n')
	}
}

var htmlSkip = map[string]bool{"script": true, "style": true, "noscript": true, "template": true, "head": true}

var htmlBlock = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "pre": true, "blockquote": true,
	"title": true, "table": true, "ul": true, "ol": true, "header": true, "footer": true,
}

// parseHTML streams the document through the tokenizer and keeps visible
// text, breaking lines at block elements.
func parseHTML(r io.Reader, _ int64) (string, error) {
	z := html.NewTokenizer(bufio.NewReader(r))
	var b strings.Builder
	skipDepth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return b.String(), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if htmlSkip[tag] {
				skipDepth++
			} else if htmlBlock[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if htmlSkip[tag] {
				if skipDepth > 0 {
					skipDepth--
				}
			} else if htmlBlock[tag] {
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if htmlBlock[string(name)] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				if last := b.String()[b.Len()-1]; last != '\n' && last != ' ' {
					b.WriteByte(' ')
				}
			}
			b.WriteString(text)
		}
	}
}

// parsePDF extracts page text in order. The reader must support random
// access; Service spools non-seekable sources before calling it.
func parsePDF(r io.Reader, size int64) (text string, err error) {
	ra, ok := r.(io.ReaderAt)
	if !ok {
		return "", errors.New("pdf source is not seekable")
	}
	// The pdf package panics on some malformed inputs.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("malformed pdf: %v", p)
		}
	}()

	pr, err := pdf.NewReader(ra, size)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 1; i <= pr.NumPage(); i++ {
		page := pr.Page(i)
		if page.V.IsNull() {
			continue
		}
		t, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		b.WriteString(t)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
