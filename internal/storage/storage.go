// Package storage holds uploaded sources and encoded results outside the
// job store. Jobs only carry the reference returned by Put.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
)

// ObjectStore defines the interface for media object operations
type ObjectStore interface {
	// Put stores body under key and returns the reference to record on the job.
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	// Open streams a stored object. The size is -1 when unknown.
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, ref string) error
}

// SourceKey is where an uploaded source for job material is stored.
func SourceKey(id, ext string) string {
	return fmt.Sprintf("sources/%s%s", id, ext)
}

// ResultKey is where the encoded output of a job is stored.
func ResultKey(jobID, format string) string {
	return fmt.Sprintf("results/%s.%s", jobID, format)
}

// FetchToFile copies a stored object into a local file at path.
func FetchToFile(ctx context.Context, s ObjectStore, ref, path string) error {
	rc, _, err := s.Open(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("failed to fetch %s: %w", ref, err)
	}
	return f.Close()
}

// PutFile uploads a local file. The file handle is seekable, which the S3
// client needs to sign the payload.
func PutFile(ctx context.Context, s ObjectStore, key, path, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return s.Put(ctx, key, f, contentType)
}
