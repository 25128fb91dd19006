// Package gcp wraps the Cloud Storage client used by the ingest and
// index pipelines for run artifacts: shards, manifests, checkpoints and
// failure reports.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) error
	UploadJSON(ctx context.Context, key string, v any) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	// DownloadJSON decodes the object at key into out. Returns false with
	// a nil error when the object does not exist.
	DownloadJSON(ctx context.Context, key string, out any) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	URI(key string) string
}

type objectStore struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

// NewObjectStore opens the bucket named by GCS_BUCKET. GCS is an optional
// subsystem: with the variable unset this returns (nil, nil) and the
// pipelines keep their artifacts local.
func NewObjectStore(ctx context.Context, log *logger.Logger) (ObjectStore, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		log.Warn("GCS_BUCKET not set, pipeline artifacts stay local")
		return nil, nil
	}

	opts := ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	serviceLog := log.With("service", "ObjectStore")
	serviceLog.Info("Object storage initialized", "bucket", bucket)

	return &objectStore{
		log:    serviceLog,
		client: client,
		bucket: bucket,
	}, nil
}

func (s *objectStore) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType == "" {
		contentType = contentTypeForKey(key)
	}
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (s *objectStore) UploadJSON(ctx context.Context, key string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Upload(ctx, key, strings.NewReader(string(raw)), "application/json")
}

// Cancel is tied to the reader's Close. Canceling before the caller has
// read would hand back a reader that returns 0 bytes.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (s *objectStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open GCS reader: %w", err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (s *objectStore) DownloadJSON(ctx context.Context, key string, out any) (bool, error) {
	r, err := s.Download(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *objectStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (s *objectStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, strings.TrimLeft(key, "/"))
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".json"), strings.HasSuffix(s, ".jsonl"):
		return "application/json"
	case strings.HasSuffix(s, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(s, ".tsv"):
		return "text/tab-separated-values"
	case strings.HasSuffix(s, ".csv"):
		return "text/csv"
	default:
		return ""
	}
}
