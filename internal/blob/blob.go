// Package blob re-exports the core blob abstractions and selects a backend
// from configuration. Callers depend on blob.Store, never on a concrete driver.
package blob

import (
	"bytes"
	"context"
	"errors"
	"exprcore/internal/blob/core"
	"exprcore/internal/infra/blob/fs"
	memorystore "exprcore/internal/infra/blob/memory"
	infraS3 "exprcore/internal/infra/blob/s3"
	"fmt"
	"io"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 driver.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the configured backend. An empty driver selects the filesystem.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an in-memory Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests exposes the S3 driver wired to an in-process fake endpoint.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }

// Exists reports whether key is present.
func Exists(ctx context.Context, store Store, key string) (bool, error) {
	_, err := store.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// PutBytes writes data at key.
func PutBytes(ctx context.Context, store Store, key string, data []byte, contentType string) (Info, error) {
	return store.Put(ctx, key, bytes.NewReader(data), PutOptions{ContentType: contentType})
}

// Replace deletes any existing object at key before writing r.
func Replace(ctx context.Context, store Store, key string, r io.Reader, opts PutOptions) (Info, error) {
	if _, err := store.Delete(ctx, key); err != nil {
		return Info{}, fmt.Errorf("replace %s: %w", key, err)
	}
	return store.Put(ctx, key, r, opts)
}

// ReadAll fetches the full content stored at key.
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}
