package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Source is an opened document body. Body may additionally implement
// io.ReaderAt, in which case Size is its length.
type Source struct {
	Body        io.ReadCloser
	Name        string
	ContentType string
	Size        int64
}

// Fetcher opens documents for one URI scheme.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) (*Source, error)
}

type fileFetcher struct{}

func (fileFetcher) Fetch(_ context.Context, u *url.URL) (*Source, error) {
	p := u.Path
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", p)
	}
	return &Source{Body: f, Name: path.Base(p), Size: info.Size()}, nil
}

type httpFetcher struct {
	client   *http.Client
	maxBytes int64
}

func (h httpFetcher) Fetch(ctx context.Context, u *url.URL) (*Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if h.maxBytes > 0 && resp.ContentLength > h.maxBytes {
		resp.Body.Close()
		return nil, fmt.Errorf("content length %d exceeds limit of %d bytes", resp.ContentLength, h.maxBytes)
	}

	body := resp.Body
	if h.maxBytes > 0 {
		body = &limitedBody{r: io.LimitReader(resp.Body, h.maxBytes+1), c: resp.Body, max: h.maxBytes}
	}
	return &Source{
		Body:        body,
		Name:        path.Base(u.Path),
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

var errTooLarge = errors.New("source exceeds size limit")

// limitedBody fails the read instead of silently truncating at max bytes.
type limitedBody struct {
	r   io.Reader
	c   io.Closer
	n   int64
	max int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.max {
		return 0, errTooLarge
	}
	return n, err
}

func (l *limitedBody) Close() error { return l.c.Close() }

// S3Config points the s3:// fetcher at an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type s3Fetcher struct {
	client *minio.Client
}

func newS3Fetcher(cfg S3Config) (*s3Fetcher, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint cannot be empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return &s3Fetcher{client: client}, nil
}

// Fetch opens s3://bucket/key. The returned object supports random access,
// so PDFs are read without spooling.
func (s *s3Fetcher) Fetch(ctx context.Context, u *url.URL) (*Source, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 uri must be s3://bucket/key")
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, fmt.Errorf("object not found: %s", resp.Code)
		}
		return nil, err
	}
	return &Source{Body: obj, Name: path.Base(key), ContentType: info.ContentType, Size: info.Size}, nil
}
