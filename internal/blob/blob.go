// Package blob stores image bytes keyed by bucket and object name.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Key addresses one object.
type Key struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
}

func (k Key) String() string {
	return k.Bucket + "/" + k.Object
}

// Validate checks that both parts are present and the object name stays
// inside its bucket.
func (k Key) Validate() error {
	if k.Bucket == "" || strings.ContainsAny(k.Bucket, `/\`) || k.Bucket == "." || k.Bucket == ".." {
		return fmt.Errorf("%w: bucket %q", ErrInvalidKey, k.Bucket)
	}
	if k.Object == "" || strings.HasPrefix(k.Object, "/") {
		return fmt.Errorf("%w: object %q", ErrInvalidKey, k.Object)
	}
	for _, part := range strings.Split(k.Object, "/") {
		if part == ".." {
			return fmt.Errorf("%w: object %q", ErrInvalidKey, k.Object)
		}
	}
	return nil
}

// Store is an object store.
type Store interface {
	// Get returns the object's bytes or an error wrapping common.ErrBlobNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)
	Put(ctx context.Context, key Key, data []byte, contentType string) error
	Exists(ctx context.Context, key Key) (bool, error)
	// EnsureBucket creates the bucket when it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error
}

// NewObjectName returns a unique object name that keeps the extension of
// filename, e.g. "3f1c...e2.jpg".
func NewObjectName(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return uuid.NewString() + ext
}

// ResultObjectName names the annotated result image of an analyzed upload.
func ResultObjectName(original string) string {
	return "result_" + path.Base(original)
}

// ContentType guesses a content type from the object name.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".bmp":
		return "image/bmp"
	case ".gif":
		return "image/gif"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
