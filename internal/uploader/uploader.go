package uploader

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Attachments are camera-resolution images or short voice clips; anything
// larger is rejected before transfer.
const maxResourceSize = 10 << 20 // 10 MB

// Storage namespaces by attachment kind.
const (
	NamespaceImages = "images"
	NamespaceAudios = "audios"
)

// ObjectStorage abstracts the object store for testability.
type ObjectStorage interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	ObjectURL(key string) string
}

// Resource is a local binary to upload. Data takes precedence when set;
// otherwise the file at Path is read fully into memory.
type Resource struct {
	Path        string
	Data        []byte
	ContentType string
}

// Uploader turns local binary resources into durable fetchable URLs.
// Pure and stateless per call.
type Uploader struct {
	storage ObjectStorage
}

// New creates an Uploader over the given object storage.
func New(storage ObjectStorage) *Uploader {
	return &Uploader{storage: storage}
}

// NameHint derives the unique object name for an upload from the sender
// identity, a timestamp, and the trailing path segment of the source.
func NameHint(uploaderID string, at time.Time, sourcePath string) string {
	return fmt.Sprintf("%s-%d-%s", uploaderID, at.UnixMilli(), path.Base(filepath.ToSlash(sourcePath)))
}

// Upload stores the resource under namespace/nameHint and returns its
// fetchable URL. Either the upload fully succeeds and a URL is returned,
// or an error is returned and nothing usable exists.
func (u *Uploader) Upload(ctx context.Context, res Resource, namespace, nameHint string) (string, error) {
	data := res.Data
	if data == nil {
		var err error
		data, err = os.ReadFile(res.Path)
		if err != nil {
			return "", fmt.Errorf("reading resource: %w", err)
		}
	}
	if len(data) == 0 {
		return "", fmt.Errorf("resource is empty")
	}
	if len(data) > maxResourceSize {
		return "", fmt.Errorf("resource exceeds %d bytes", maxResourceSize)
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = guessContentType(nameHint)
	}

	key := namespace + "/" + nameHint
	if err := u.storage.PutObject(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return u.storage.ObjectURL(key), nil
}

// guessContentType resolves a content type from the file extension.
func guessContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	// Common recording formats missing from Go's builtin registry.
	switch ext {
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(t, ";"); idx > 0 {
		t = strings.TrimSpace(t[:idx])
	}
	return t
}
