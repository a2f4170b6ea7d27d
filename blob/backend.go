package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/siftlab/sift/logger"
)

// Backend is the pluggable persistence interface under the blob store.
// Implementations must guarantee read-after-write consistency for a
// given key from the process that wrote it.
type Backend interface {
	// Upload writes data from reader to the given key.
	Upload(ctx context.Context, key string, reader io.Reader) error

	// Download returns a reader for the object at the given key.
	// The caller is responsible for closing the returned ReadCloser.
	// Returns a NotFound error if the object is absent.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks whether an object exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object at the given key.
	// Returns nil if the object does not exist.
	Delete(ctx context.Context, key string) error

	// List returns the keys of all objects under the given prefix,
	// in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// BackendFactory creates a Backend from configuration. Implementation
// packages call RegisterFactory (typically in an init function) to make
// themselves available to the New constructor.
type BackendFactory func(cfg Config, log *logger.Logger) (Backend, error)

var factories = make(map[string]BackendFactory)

// RegisterFactory registers a backend factory for the given provider name.
func RegisterFactory(name string, f BackendFactory) {
	factories[name] = f
}

// NewBackend creates a Backend based on the given Config. Ensure the
// desired provider package has been imported (e.g.
// _ "github.com/siftlab/sift/blob/local") so its factory is registered.
func NewBackend(cfg Config, log *logger.Logger) (Backend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f, ok := factories[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("blob: unsupported provider %q (not registered)", cfg.Provider)
	}

	log.WithComponent("blob").Info("initializing blob backend",
		map[string]interface{}{"provider": cfg.Provider})
	return f(cfg, log)
}
